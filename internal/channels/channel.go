// Package channels hosts the user-facing surfaces: anything that can
// accept a request and deliver the pipeline's answer back. Channels
// submit inbound text to the orchestrator and receive results through
// the DeliverText/SendFile sinks.
package channels

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/orchestrator"
)

// Channel is one user surface.
type Channel interface {
	Name() string

	// Start begins listening for inbound messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the channel down gracefully.
	Stop(ctx context.Context) error

	// DeliverText sends a final or progress message to the chat.
	DeliverText(ctx context.Context, chatID, text string) error

	// SendFile forwards a produced file to the chat.
	SendFile(ctx context.Context, chatID, path, caption string) error
}

// Pipeline is the slice of the orchestrator channels need. Satisfied by
// *orchestrator.Orchestrator.
type Pipeline interface {
	Submit(ctx context.Context, text string, source board.Source) (string, error)
	Wait(ctx context.Context, taskID string, onProgress func(*board.Task, time.Duration)) (*orchestrator.WaitResult, error)
	Cancel(ctx context.Context, taskID string) ([]string, error)
}
