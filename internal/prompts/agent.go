package prompts

// ForcedFinalInstruction is appended when the loop has used its tool call
// budget. The model is called once more without tools and must answer.
const ForcedFinalInstruction = "You have reached the limit on tool calls for this request. " +
	"Do not call any more tools. Using the results above, give the user your best final answer now."

// EmptyResponseFallback is the user-facing message returned when the
// model's final text is empty after markup is removed.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."
