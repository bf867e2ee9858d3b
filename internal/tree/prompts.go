package tree

import (
	"fmt"
	"strings"
)

const rootPromptEN = `You are triaging a static-analysis finding that may be a false positive. The surrounding
context is incomplete, so do not give a verdict. Instead write the procedure a reviewer must follow
to decide, from the code alone, whether the finding is real.

Requirements:
1. List the code-level checks needed to confirm or refute the finding.
2. For every check, state which branch to take depending on its result.
3. The procedure is a decision tree: when check 1 holds go to check 2, otherwise conclude; and so on.
4. Every check must be decidable by reading code. Do not rely on runtime state.
5. Be concrete. Do not use vague adjectives such as "correct", "proper" or "safe" without defining
   exactly what to look for.
6. Use at least 5 steps. There is no upper limit.
7. Every step must contain all five fields, each at least a few sentences long:
   "description", "objective", "procedure", "key_points", "conclusion_criteria".
8. Output a single JSON object and nothing else, in this shape:

{
  "step_1": {
    "description": "...",
    "objective": "...",
    "procedure": "...",
    "key_points": "...",
    "conclusion_criteria": "...",
    "continue": "step_2",
    "false_positive": "why the finding does not hold when this check fails"
  },
  "step_2": {
    "description": "...",
    "objective": "...",
    "procedure": "...",
    "key_points": "...",
    "conclusion_criteria": "...",
    "continue": { "step_3": { "...": "a nested step with the same five fields" } },
    "confirmed": "why the finding holds at this point"
  }
}

"continue" may name a top-level step or nest the next step directly. Only "continue",
"confirmed" and "false_positive" are allowed as branch keys.

Finding:
%s`

const rootPromptZH = `这个漏洞结果可能是误报，但上下文不完整，无法直接得出结论。请给出一个完整的误报确认流程：
1. 整理出确认漏洞是否真实存在所需要的代码层面的检查步骤。
2. 说明每个检查步骤根据结果应当进入哪个分支。
3. 流程必须是树状结构：步骤1满足时进行步骤2，否则给出结论，依此类推。
4. 流程只能基于代码判断，不能依赖运行时状态。
5. 不要使用任何含糊的形容词，"正确"、"错误"、"评估" 等词都必须给出具体含义。
6. 步骤数量至少5条，没有上限。
7. 每个步骤都必须包含以下五个字段，且每个字段不少于200个字：
   【检查描述】【检查目标】【具体检查步骤】【检查关键点】【检查结论参考】
8. 只输出一个JSON对象，格式如下：

{
  "步骤1": {
    "检查描述": "",
    "检查目标": "",
    "具体检查步骤": "",
    "检查关键点": "",
    "检查结论参考": "",
    "是": { "下一步": "步骤2" },
    "否": { "结果": "误报，原因……" }
  },
  "步骤2": {
    "检查描述": "",
    "检查目标": "",
    "具体检查步骤": "",
    "检查关键点": "",
    "检查结论参考": "",
    "是": { "步骤3": { "检查描述": "", "...": "同样包含五个字段的嵌套步骤" } },
    "否": { "结果": "" }
  }
}

"是" 可以引用顶层步骤名，也可以直接嵌套下一步；"否" 只能给出结果。

漏洞信息：
%s`

const expandPrompt = `A reviewer is executing a verification procedure for a static-analysis finding and could not
decide the step below from the evidence retrieved so far. Write a narrower sub-procedure that
resolves this single step.

Step:
  description: %s
  objective: %s
  procedure: %s
  key_points: %s
  conclusion_criteria: %s

Why the step could not be decided:
%s

Evidence retrieved for the step:
%s

Rules:
- At most %d steps along any path.
- Every step has the five fields "description", "objective", "procedure", "key_points",
  "conclusion_criteria".
- Branch keys are limited to "continue", "confirmed" and "false_positive". Do not offer any
  further expansion.
- Output a single JSON object mapping step names to steps and nothing else.`

func rootPrompt(language, payload string) string {
	if strings.EqualFold(language, "zh") {
		return fmt.Sprintf(rootPromptZH, payload)
	}
	return fmt.Sprintf(rootPromptEN, payload)
}

func expansionPrompt(n *Node, reason string, evidence []string, maxNodes int) string {
	ev := "(none)"
	if len(evidence) > 0 {
		parts := make([]string, len(evidence))
		for i, e := range evidence {
			parts[i] = fmt.Sprintf("[%d]\n%s", i+1, e)
		}
		ev = strings.Join(parts, "\n\n")
	}
	if strings.TrimSpace(reason) == "" {
		reason = "(no reason given)"
	}
	return fmt.Sprintf(expandPrompt,
		n.Description, n.Objective, n.Procedure, n.KeyPoints, n.ConclusionCriteria,
		reason, ev, maxNodes)
}
