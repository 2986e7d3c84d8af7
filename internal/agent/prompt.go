// Package agent drives one conversation turn: it selects tools (natively or
// via the XML fallback protocol), executes them, feeds results back into the
// model context, and streams the assistant's answer, all under a bounded
// step budget.
package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/defisage/defisage/internal/tool"
)

// answerPromptHeader is the fixed part of the answering system prompt. Tool
// descriptions are appended verbatim from the registry, so description
// wording is part of the selection surface.
const answerPromptHeader = `Instructions:

You are a helpful AI assistant with access to real-time web search, Pendle DeFi yield opportunities, content retrieval, video search capabilities, wallet operations, and the ability to ask clarifying questions.

IMPORTANT: When the user has search mode enabled, you MUST use the most appropriate tool for every factual query, even if you believe you know the answer.

Available tools:`

const answerPromptFooter = `
When asked a question, you should:
1. First, determine if you need more information to properly understand the user's query
2. **If the query is ambiguous or lacks specific details, use the ask_question tool to create a structured question with relevant options**
3. If you have enough information, use the most appropriate tool (see above) to gather relevant information
4. Use the retrieve tool to get detailed content from specific URLs
5. Use the video search tool when looking for video content
6. Analyze all search results to provide accurate, up-to-date information
7. Always cite sources using the [number](url) format, matching the order of search results. If multiple sources are relevant, include all of them, and comma separate them. Only use information that has a URL available for citation.
8. If results are not relevant or helpful, rely on your general knowledge
9. Provide comprehensive and detailed responses based on search results, ensuring thorough coverage of the user's question
10. Use markdown to structure your responses. Use headings to break up the content into sections.
11. **Use the retrieve tool only with user-provided URLs.**

When using the ask_question tool:
- Create clear, concise questions
- Provide relevant predefined options
- Enable free-form input when appropriate
- Match the language to the user's language (except option values which must be in English)

When using tools whose results are displayed directly by the UI (pendle_opportunities, wallet_balance):
- The results will be automatically displayed to the user when you call the tool.
- DO NOT output the results as text. Never include specific APY values, expiry dates, liquidity figures, or balance amounts in your response.
- NEVER repeat, list, summarize, or describe those results in your text response. The user can already see them in the UI.
- Instead, acknowledge the query and provide additional context if needed: "I've fetched the latest data for you. Is there anything specific you'd like to know more about?"
- IMPORTANT: Do not mention specific assets, rates, or summarize what the user can see. This creates duplicate information in the chat.
- REMEMBER, simply call the tool and let the UI do the display work.

Citation Format:
[number](url)
`

// BuildSystemPrompt assembles the answering system prompt from the tool
// registry and the wall clock.
func BuildSystemPrompt(registry *tool.Registry, now time.Time) string {
	var b strings.Builder
	b.WriteString(answerPromptHeader)
	b.WriteByte('\n')
	for _, t := range registry.All() {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	b.WriteString(answerPromptFooter)
	fmt.Fprintf(&b, "\nCurrent date and time: %s\n", now.Format("2006-01-02 15:04:05"))
	return b.String()
}

// BuildSelectionPrompt assembles the system prompt for the XML fallback
// selection call. It enumerates the fallback tools in priority order with
// their flattened parameter lists and pins the exact response shape.
func BuildSelectionPrompt(rules []FallbackRule, now time.Time) string {
	var b strings.Builder
	b.WriteString(`You are an intelligent assistant that analyzes conversations to select the most appropriate tools and their parameters.
You excel at understanding context to determine when and how to use available tools, including crafting effective search queries when needed.
`)
	fmt.Fprintf(&b, "Current date: %s\n\n", now.Format("2006-01-02"))
	b.WriteString(`Do not include any other text in your response.
Respond in XML format with the following structure:
<tool_call>
  <tool>tool_name</tool>
  <parameters>
    ...tool parameters...
  </parameters>
</tool_call>

Available tools:
`)
	for _, r := range rules {
		fmt.Fprintf(&b, "- %s: %s\n", r.Tool.Name, r.Tool.Description)
	}
	b.WriteByte('\n')
	for _, r := range rules {
		fmt.Fprintf(&b, "%s parameters:\n%s\n\n", r.Tool.Name, r.Tool.Schema.FlattenedParams())
	}
	b.WriteString("If you don't need a tool, respond with <tool_call><tool></tool></tool_call>")
	return b.String()
}
