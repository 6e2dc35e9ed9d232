package prompts

// ExhaustedFallback is the terminal answer returned when the
// orchestration loop reaches its iteration cap while the model is
// still requesting tools. It is synthesized locally; no further model
// call is made once the cap is hit.
const ExhaustedFallback = "I'm sorry, I couldn't finish working through your request within the allowed number of steps. The results I gathered may be incomplete. Please try again with a narrower question, or ask about one file at a time."

// EmptyResponseFallback is the user-facing message returned when the
// model terminates without producing any text.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."
