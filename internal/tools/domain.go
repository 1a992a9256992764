package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/gocrew/internal/contextbus"
)

// FileSender delivers a workspace file to the task's originating channel.
type FileSender func(ctx context.Context, path, caption string) error

// SendFileTool hands a produced file back to the user.
type SendFileTool struct {
	workspace string
	send      FileSender
}

func NewSendFileTool(workspace string, send FileSender) *SendFileTool {
	return &SendFileTool{workspace: workspace, send: send}
}

func (t *SendFileTool) Name() string { return "send_file" }
func (t *SendFileTool) Description() string {
	return "Send a file from the workspace to the user who submitted the task"
}
func (t *SendFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Workspace path of the file to send",
			},
			"caption": map[string]interface{}{
				"type":        "string",
				"description": "Optional caption shown with the file",
			},
		},
		"required": []string{"path"},
	}
}

func (t *SendFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	caption, _ := args["caption"].(string)
	abs, err := resolvePath(t.workspace, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if t.send == nil {
		return ErrorResult("no channel available to send files")
	}
	if err := t.send(ctx, abs, caption); err != nil {
		return ErrorResult(fmt.Sprintf("send %s: %v", path, err))
	}
	return NewResult(fmt.Sprintf("sent %s to the user", path))
}

// PublishContextTool lets an agent share a fact on the context bus.
type PublishContextTool struct {
	agentID string
	bus     *contextbus.Bus
}

func NewPublishContextTool(agentID string, bus *contextbus.Bus) *PublishContextTool {
	return &PublishContextTool{agentID: agentID, bus: bus}
}

func (t *PublishContextTool) Name() string { return "publish_context" }
func (t *PublishContextTool) Description() string {
	return "Publish a key/value fact to the shared context bus for other agents"
}
func (t *PublishContextTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"key": map[string]interface{}{
				"type":        "string",
				"description": "Key for the fact, namespaced under this agent",
			},
			"value": map[string]interface{}{
				"type":        "string",
				"description": "The fact to share",
			},
			"layer": map[string]interface{}{
				"type":        "string",
				"description": "Retention layer: task, session, short_term, or long_term",
			},
		},
		"required": []string{"key", "value"},
	}
}

func (t *PublishContextTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	key, _ := args["key"].(string)
	value, _ := args["value"].(string)
	layer, _ := args["layer"].(string)
	if key == "" || value == "" {
		return ErrorResult("key and value are required")
	}
	if err := t.bus.Publish(ctx, t.agentID, key, value, contextbus.ParseLayer(layer)); err != nil {
		return ErrorResult(fmt.Sprintf("publish context: %v", err))
	}
	return SilentResult(fmt.Sprintf("published %s:%s", t.agentID, key))
}
