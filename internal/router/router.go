// Package router pre-classifies incoming requests: simple knowledge
// questions get answered in place, everything else goes through the full
// plan/execute/review pipeline. The classifier is a fixed rule chain over
// signal-word tables; it errs toward the pipeline because a misrouted
// simple question costs one extra hop, a misrouted complex task fails.
package router

import (
	"strings"
	"unicode/utf8"

	"github.com/nextlevelbuilder/gocrew/internal/protocol"
)

// Signal words implying tools, files, or execution. Matching any of
// these sends the request to the pipeline.
var pipelineSignals = []string{
	// zh
	"写", "创建", "生成", "构建", "编写", "运行", "执行", "搜索",
	"下载", "分析", "计算", "部署", "截图", "安装", "配置",
	"修改", "编辑", "删除", "上传", "翻译", "对比", "报告",
	"代码", "文件", "脚本", "网站", "数据库",
	// en
	"write", "create", "generate", "build", "code", "file", "run",
	"execute", "search", "download", "analyze", "compute", "calculate",
	"deploy", "install", "configure", "screenshot", "browser",
	"edit", "delete", "upload", "compare", "report", "script",
	"database", "website", "translate",
}

// Signal phrases implying multiple sequenced goals.
var multiStepSignals = []string{
	" and then ", "first ", "step 1", "步骤",
	"然后再", "接着", "首先", "第一步", "分别",
	"一方面", "另一方面", "同时",
}

// Signal phrases of plain knowledge questions.
var directSignals = []string{
	// zh
	"什么是", "解释", "定义", "描述", "介绍", "说说",
	"是什么", "怎么理解", "含义",
	// en
	"what is", "explain", "define", "describe", "tell me about",
	"how does", "what does", "meaning of",
}

// Classify applies the rule chain in order:
//  1. very short input answers directly
//  2. multi-step phrasing forces the pipeline
//  3. tool/file/execution words force the pipeline
//  4. knowledge-question phrasing answers directly
//  5. a short question-mark query answers directly
//  6. everything else defaults to the pipeline
func Classify(description string) protocol.Route {
	lower := strings.ToLower(strings.TrimSpace(description))

	if utf8.RuneCountInString(lower) < 5 {
		return protocol.RouteDirectAnswer
	}
	if containsAny(lower, multiStepSignals) {
		return protocol.RoutePipeline
	}
	if containsAny(lower, pipelineSignals) {
		return protocol.RoutePipeline
	}
	if containsAny(lower, directSignals) {
		return protocol.RouteDirectAnswer
	}
	if (strings.Contains(description, "?") || strings.Contains(description, "？")) &&
		utf8.RuneCountInString(description) < 50 {
		return protocol.RouteDirectAnswer
	}
	return protocol.RoutePipeline
}

// Decide combines the heuristic with the planner's explicit directive,
// which always wins when present.
func Decide(description, plannerOutput string) protocol.Route {
	if r, ok := protocol.ParseRouteDirective(plannerOutput); ok {
		return r
	}
	return Classify(description)
}

func containsAny(s string, signals []string) bool {
	for _, sig := range signals {
		if strings.Contains(s, sig) {
			return true
		}
	}
	return false
}
