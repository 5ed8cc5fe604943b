package research

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/playbook/models"
)

// The prompt templates keep the {name} placeholder form and are rendered
// with strings.NewReplacer; Sprintf verbs would collide with the literal
// percent signs and braces in the schema blocks.

const impactAssessmentPrompt = `## 角色
你是一位资深投资研究总监，拥有 20 年买方研究经验，擅长从市场噪音中识别真正重要的变化，并设计系统化的研究框架。

## 核心任务
基于三个维度的信息，判断是否需要深度研究，并设计一份【可执行的、详尽的研究计划】。

---

## 维度 1: 历史研究报告
{recent_research_history}

分析要点：
- 上次研究的核心结论是什么？本次变化是否改变了那个结论？
- 上次研究提出的跟踪事项，是否有新进展？
- 历史上类似的变化，最终的影响是什么？

## 维度 2: Playbook（投资逻辑框架）

**总体 Playbook（宏观观点）:**
{portfolio_playbook}

**个股 Playbook（核心论点）:**
{stock_playbook}

**用户偏好档案:**
{user_preferences}

分析要点：
- 本次变化是否动摇核心论点（thesis）的根基？
- 是否触发任何预设的失效条件（invalidation trigger）？
- 变化是强化还是削弱当前的投资信心？
- 与总体宏观观点是否一致？
- 用户的决策风格和偏好是什么？如何据此调整研究重点？

## 维度 3: Environment 变化（时间范围: {time_range}）

**自动采集的市场信息:**
{auto_collected_news}

**本次用户上传的资料:**
{user_uploaded_content}

**历史上传的资料（过往研究中用户提供的重要参考）:**
{historical_uploads}

分析要点：
- 哪些变化是"信号"，哪些是"噪音"？
- 变化的一阶效应和二阶效应是什么？
- 竞争对手/产业链上下游有什么联动反应？
- 市场预期 vs 实际情况的 gap 是什么？
- 本次变化与历史上传资料中的观点/数据是否一致？是否印证或推翻了之前的判断？

---

## 输出要求

请输出 JSON 格式，特别注意【research_plan】部分必须足够详尽，能够指导后续的深度研究：

` + "```json" + `
{
  "judgment": {
    "needs_deep_research": true,
    "confidence": "高/中/低",
    "urgency": "立即/本周内/可观察"
  },
  "dimension_analysis": {
    "historical_context": {
      "last_research_conclusion": "上次研究的核心结论",
      "conclusion_still_valid": true,
      "new_developments_on_followups": ["跟踪事项的新进展"]
    },
    "thesis_impact": {
      "core_thesis_status": "强化/削弱/动摇/无影响",
      "key_points_affected": [
        {"point": "论点", "impact": "影响描述", "severity": "高/中/低"}
      ],
      "invalidation_check": {
        "any_triggered": false,
        "details": null
      }
    },
    "environment_signals": {
      "signal_vs_noise": [
        {"event": "事件", "classification": "信号/噪音", "reasoning": "判断理由"}
      ],
      "first_order_effects": ["一阶效应"],
      "second_order_effects": ["二阶效应"],
      "market_expectation_gap": "市场预期与实际的差距"
    }
  },
  "conclusion": {
    "summary": "一句话总结判断",
    "key_risk": "当前最大的风险点",
    "key_opportunity": "当前最大的机会点"
  },
  "research_plan": {
    "research_objective": "本次研究要回答的核心问题（一句话）",
    "hypothesis_to_test": [
      {
        "hypothesis": "假设描述",
        "if_true_implication": "如果为真，意味着什么",
        "if_false_implication": "如果为假，意味着什么",
        "how_to_verify": "如何验证"
      }
    ],
    "research_modules": [
      {
        "module_name": "研究模块名称（如：财务影响分析、竞争格局变化、技术路线验证）",
        "key_questions": ["该模块需要回答的具体问题"],
        "data_sources": ["需要查找的数据/信息来源"],
        "search_queries": ["具体的搜索关键词"],
        "analysis_framework": "分析方法（如：对比分析、趋势分析、敏感性分析）"
      }
    ],
    "key_metrics_to_track": [
      {"metric": "指标名称", "current_value": "当前值（如已知）", "threshold": "关注阈值", "data_source": "数据来源"}
    ],
    "scenario_analysis": {
      "bull_case": "乐观情景描述",
      "base_case": "基准情景描述",
      "bear_case": "悲观情景描述"
    },
    "decision_framework": {
      "if_research_confirms_thesis": "如果研究结果支持论点，建议的行动",
      "if_research_weakens_thesis": "如果研究结果削弱论点，建议的行动",
      "if_research_invalidates_thesis": "如果研究结果否定论点，建议的行动"
    },
    "timeline": "建议的研究完成时间",
    "priority_ranking": ["按优先级排序的研究任务"]
  }
}
` + "```" + `

如果不需要深度研究，research_plan 设为 null，但仍需在 conclusion 中说明理由。`

const deepResearchPrompt = `## 角色定位
你是一位顶级投资机构的首席研究员，以严谨的逻辑、深入的分析和独立的判断著称。你的研究报告直接影响数十亿美元的投资决策。

## 研究背景

**研究标的:** {stock_name}
**研究触发原因:** {trigger_reason}

---

## 第一部分：用户的投资逻辑（Playbook）

### 1.1 总体投资框架（Portfolio Playbook）
{portfolio_playbook}

### 1.2 个股投资逻辑（Stock Playbook）
{stock_playbook}

### 1.3 用户偏好档案
{user_preferences}

**重要：你需要深刻理解用户的投资逻辑和偏好，每一个分析都要回扣到这个逻辑框架上。确保研究结论与用户的总体投资主线保持一致，并考虑用户的决策风格和偏好。**

---

## 第二部分：历史研究上下文

{research_history}

---

## 第三部分：本次 Environment 变化

{environment_changes}

---

## 第四部分：历史上传资料

以下是用户在过往研究中上传的重要参考资料（研报、会议纪要等），请在分析时参考这些历史信息：

{historical_uploads}

---

## 第五部分：研究计划

{research_plan}

---

## 第六部分：补充搜索结果

{search_results}

---

## 研究任务

基于以上信息，完成一份【机构级别的深度研究报告】，要求：
1. 分析必须有理有据，引用具体数据和事实
2. 每个结论都要说明推理过程
3. 明确区分"事实"、"推断"和"假设"
4. 识别分析中的不确定性和风险点
5. 给出可操作的建议

---

## 输出格式（请严格按照以下结构）

# {stock_name} 深度研究报告

**研究日期:** [今天日期]
**触发事件:** [简述触发原因]
**核心结论:** [一句话核心结论]

---

## 一、Executive Summary（执行摘要）

用 3-5 个要点总结本次研究的核心发现：
-
-
-

**投资建议:** [买入/增持/持有/减持/卖出]
**信心水平:** [高/中/低]
**建议仓位调整:** [具体建议]

---

## 二、关键变化深度解析

对每个重要变化进行深入分析：

### 2.1 [变化1名称]

**事实陈述:** [客观描述发生了什么]

**深度解读:**
- 这个变化的本质是什么？
- 为什么会在这个时点发生？
- 市场的反应是什么？反应是否合理？

**量化影响评估:**
- 对收入的影响：[具体数字或范围]
- 对利润的影响：[具体数字或范围]
- 对估值的影响：[具体分析]

**与投资逻辑的关联:**
- 这个变化如何影响核心论点？[强化/削弱/无影响]
- 具体影响哪个论点？为什么？

### 2.2 [变化2名称]
（同上结构）

---

## 三、投资逻辑验证

逐一检验用户 Playbook 中的核心论点：

### 3.1 核心论点检验

| 论点 | 原始状态 | 本次变化后状态 | 变化原因 | 置信度变化 |
|------|----------|----------------|----------|------------|
| [论点1] | [之前的判断] | [现在的判断] | [原因] | [↑/↓/→] |
| [论点2] | ... | ... | ... | ... |

### 3.2 验证信号检查

| 验证信号 | 是否出现 | 具体表现 | 信号强度 |
|----------|----------|----------|----------|
| [信号1] | [是/否/部分] | [描述] | [强/中/弱] |

### 3.3 失效条件检查

| 失效条件 | 是否触发 | 当前状态 | 距离触发的距离 |
|----------|----------|----------|----------------|
| [条件1] | [是/否] | [描述] | [近/中/远] |

---

## 四、竞争格局与产业链分析

### 4.1 竞争对手动态

| 竞争对手 | 近期动作 | 对研究标的的影响 | 威胁程度 |
|----------|----------|------------------|----------|
| [对手1] | [动作] | [影响] | [高/中/低] |

### 4.2 产业链传导分析

- **上游变化:** [分析]
- **下游变化:** [分析]
- **替代品威胁:** [分析]

---

## 五、情景分析与估值影响

### 5.1 三种情景

**乐观情景 (概率: X%)**
- 假设条件：
- 预期结果：
- 目标价/估值：

**基准情景 (概率: X%)**
- 假设条件：
- 预期结果：
- 目标价/估值：

**悲观情景 (概率: X%)**
- 假设条件：
- 预期结果：
- 目标价/估值：

### 5.2 关键变量敏感性

| 关键变量 | 当前假设 | 上行情景 | 下行情景 | 对估值的影响 |
|----------|----------|----------|----------|--------------|
| [变量1] | [值] | [值] | [值] | [影响] |

---

## 六、风险提示

### 6.1 已识别风险

| 风险类型 | 风险描述 | 发生概率 | 潜在影响 | 应对策略 |
|----------|----------|----------|----------|----------|
| [类型] | [描述] | [高/中/低] | [描述] | [策略] |

### 6.2 未知风险与盲点

- 本次分析可能遗漏的角度：
- 数据局限性说明：
- 需要进一步验证的假设：

---

## 七、行动建议

### 7.1 立即行动项

1. [具体行动1]
2. [具体行动2]

### 7.2 持续跟踪项

| 跟踪事项 | 跟踪频率 | 关键阈值 | 触发行动 |
|----------|----------|----------|----------|
| [事项1] | [频率] | [阈值] | [行动] |

### 7.3 下次研究触发条件

- 当出现以下情况时，需要重新进行深度研究：
  1. [条件1]
  2. [条件2]

---

## 八、结论 JSON

` + "```json" + `
{
  "research_date": "[日期]",
  "stock": "{stock_name}",
  "thesis_impact": "强化/削弱/动摇/无影响",
  "recommendation": "买入/增持/持有/减持/卖出",
  "confidence": "高/中/低",
  "position_suggestion": "具体仓位建议",
  "key_finding": "最重要的发现（一句话）",
  "reasoning": "核心推理逻辑（2-3句话）",
  "bull_case_probability": 30,
  "base_case_probability": 50,
  "bear_case_probability": 20,
  "key_risks": ["风险1", "风险2"],
  "key_catalysts": ["催化剂1", "催化剂2"],
  "follow_up_items": ["跟踪事项1", "跟踪事项2"],
  "next_research_trigger": ["触发条件1", "触发条件2"]
}
` + "```" + `

---

## 九、免责声明

本报告基于公开信息和AI分析生成，仅供参考，不构成投资建议。投资有风险，决策需谨慎。`

const uploadAnalysisPrompt = `请分析这份文件的内容，提取以下信息：
1. 文件类型（研报、新闻、会议纪要等）
2. 核心观点摘要（3-5 个要点）
3. 与投资相关的关键信息
4. 重要数据或指标

请用简洁的语言总结。

## 文件名
{filename}

## 文件内容
{content}`

// truncate cuts a string to at most n runes. Prompt material is largely
// Chinese, so a byte slice would split characters.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func recordString(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func recordMap(m map[string]interface{}, key string) map[string]interface{} {
	v, _ := m[key].(map[string]interface{})
	return v
}

func recordStrings(m map[string]interface{}, key string) []string {
	raw, _ := m[key].([]interface{})
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// formatPlaybook renders a playbook document for prompt embedding.
func formatPlaybook(pb map[string]interface{}) string {
	if len(pb) == 0 {
		return "（暂无）"
	}
	data, err := json.MarshalIndent(pb, "", "  ")
	if err != nil {
		return "（暂无）"
	}
	return string(data)
}

// formatContextHistory renders research-context records (the ones carrying
// feedback or uploads) as the history block both research prompts embed.
func formatContextHistory(records []map[string]interface{}) string {
	var items []string
	for _, r := range records {
		result := recordMap(r, "research_result")
		feedback := recordMap(r, "user_feedback")

		var b strings.Builder
		fmt.Fprintf(&b, "### 研究日期: %s\n", truncate(recordString(r, "date"), 10))
		fmt.Fprintf(&b, "**AI建议:** %s | **信心:** %s\n",
			orDefault(recordString(result, "recommendation"), "未知"),
			orDefault(recordString(result, "confidence"), "未知"))
		fmt.Fprintf(&b, "**核心推理:** %s\n", orDefault(recordString(result, "reasoning"), "无"))

		if len(feedback) > 0 {
			b.WriteString("\n**用户反馈:**\n")
			valuable := "是"
			if v, ok := feedback["research_valuable"].(bool); ok && !v {
				valuable = "否"
			}
			fmt.Fprintf(&b, "- 研究是否有价值: %s\n", valuable)
			fmt.Fprintf(&b, "- 方向评价: %s\n", orDefault(recordString(feedback, "direction_correct"), "未评价"))
			fmt.Fprintf(&b, "- 用户决策: %s\n", orDefault(recordString(feedback, "decision"), "未决策"))
			if metrics := recordStrings(feedback, "tracking_metrics"); len(metrics) > 0 {
				fmt.Fprintf(&b, "- 用户关注的跟踪指标: %s\n", strings.Join(metrics, ", "))
			}
			if notes := recordString(feedback, "notes"); notes != "" {
				fmt.Fprintf(&b, "- 用户备注: %s\n", notes)
			}
			if next := recordString(feedback, "next_direction"); next != "" {
				fmt.Fprintf(&b, "- 用户希望的后续研究方向: %s\n", next)
			}
		}
		items = append(items, b.String())
	}
	return strings.Join(items, "\n---\n")
}

// formatAssessmentHistory prefers context records carrying feedback and
// falls back to a compact listing of plain recent records.
func formatAssessmentHistory(context, recent []map[string]interface{}) string {
	if s := formatContextHistory(context); s != "" {
		return s
	}
	var lines []string
	for _, r := range recent {
		result := recordMap(r, "research_result")
		lines = append(lines, fmt.Sprintf("- %s: %s - %s",
			truncate(recordString(r, "date"), 10),
			recordString(result, "recommendation"),
			recordString(result, "reasoning")))
		if followUps := recordStrings(result, "follow_up_items"); len(followUps) > 0 {
			lines = append(lines, fmt.Sprintf("  待跟进: %s", strings.Join(followUps, ", ")))
		}
	}
	if len(lines) == 0 {
		return "（暂无历史研究）"
	}
	return strings.Join(lines, "\n")
}

// formatResearchHistory is the deep-research variant of the tiered
// history block.
func formatResearchHistory(context, recent []map[string]interface{}) string {
	if s := formatContextHistory(context); s != "" {
		return s
	}
	var lines []string
	for _, r := range recent {
		result := recordMap(r, "research_result")
		lines = append(lines, fmt.Sprintf("- %s: 建议%s，理由：%s",
			truncate(recordString(r, "date"), 10),
			recordString(result, "recommendation"),
			recordString(result, "reasoning")))
	}
	if len(lines) == 0 {
		return "（暂无）"
	}
	return strings.Join(lines, "\n")
}

// formatAutoCollected renders evidence for the assessment prompt.
func formatAutoCollected(items []models.NewsItem) string {
	if len(items) == 0 {
		return "（暂无）"
	}
	lines := make([]string, 0, len(items))
	for _, n := range items {
		lines = append(lines, fmt.Sprintf("- [%s] %s", n.Date, n.Title))
	}
	return strings.Join(lines, "\n")
}

// formatUploads renders the cycle's fresh uploads.
func formatUploads(uploads []models.UploadAnalysis) string {
	if len(uploads) == 0 {
		return "（暂无）"
	}
	lines := make([]string, 0, len(uploads))
	for _, u := range uploads {
		lines = append(lines, fmt.Sprintf("- %s: %s...", u.Filename, truncate(u.Summary, 100)))
	}
	return strings.Join(lines, "\n")
}

// formatHistoricalUploads renders prior uploads compactly for assessment;
// detail=true renders them in full for the deep-research prompt.
func formatHistoricalUploads(uploads []models.UploadAnalysis, detail bool) string {
	if len(uploads) == 0 {
		return "（暂无历史上传资料）"
	}
	var lines []string
	for _, h := range uploads {
		if detail {
			lines = append(lines, fmt.Sprintf("### [%s] %s", h.Date, h.Filename))
			if h.Summary != "" {
				lines = append(lines, h.Summary)
			}
			lines = append(lines, "")
		} else {
			lines = append(lines, fmt.Sprintf("- [%s] %s", h.Date, h.Filename))
			if h.Summary != "" {
				lines = append(lines, fmt.Sprintf("  摘要: %s...", truncate(h.Summary, 200)))
			}
		}
	}
	return strings.Join(lines, "\n")
}

// formatEnvironmentChanges renders the collected environment for the
// deep-research prompt.
func formatEnvironmentChanges(input EnvironmentInput) string {
	var lines []string
	if len(input.AutoCollected) > 0 {
		lines = append(lines, "自动采集:")
		for _, item := range input.AutoCollected {
			lines = append(lines, fmt.Sprintf("  - [%s] %s", item.Date, item.Title))
		}
	}
	if len(input.UserUploaded) > 0 {
		lines = append(lines, "\n用户上传:")
		for _, u := range input.UserUploaded {
			lines = append(lines, fmt.Sprintf("  - %s: %s...", u.Filename, truncate(u.Summary, 100)))
		}
	}
	if len(lines) == 0 {
		return "（无变化数据）"
	}
	return strings.Join(lines, "\n")
}
