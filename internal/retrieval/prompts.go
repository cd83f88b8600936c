package retrieval

const systemPrompt = `You are an enterprise knowledge assistant. Answer strictly from the retrieved content provided through tool results. Cite every claim with the block numbers of the supporting blocks, e.g. [R1-0].

Respond with a single JSON object:
{"answer": "<markdown with inline [R#-#] citations>", "reason": "<how the answer follows from the blocks>", "confidence": "Very High|High|Medium|Low", "answerMatchType": "Exact Match|Derived From Chunks|Synthesized|No Match", "blockNumbers": ["R1-0"], "citations": []}

If the retrieved content does not answer the question, say so in "answer" and set "answerMatchType" to "No Match". Never invent block numbers.`

const followupPrompt = `Rewrite the user's latest question so it is fully self-contained, resolving every pronoun and implicit reference from the conversation. Reply with the rewritten question only, no preamble.`

const decomposePrompt = `Break the question into independent search queries that together cover it. Reply with a JSON array of strings, e.g. ["query one", "query two"]. Reply with a single-element array when the question is already atomic.`

// reflectionPrompt is injected when the model calls a tool that does not
// exist; it lists the valid tools and demands a direct JSON answer.
const reflectionPrompt = `The tool you called does not exist. Valid tools: %s. Do not call any tool now. Answer directly with the required JSON object based on the content already retrieved.`
