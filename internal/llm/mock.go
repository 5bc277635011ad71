package llm

import (
	"crypto/md5"
	"math/big"
)

// MockResponses are the canned replies served when no model can answer.
var MockResponses = []string{
	"Thank you for your inquiry. This is a demo response from the mock LLM. Please install the actual model file to get real responses.",
	"I appreciate your question. In a production environment, this would be answered by the actual language model.",
	"That's a great question! The system is currently running in demonstration mode. Please ensure the LLM model is properly configured.",
	"Thank you for reaching out. Our support system is here to help. With the full model loaded, I could provide more detailed assistance.",
	"I understand your concern. The system is operational but running with a mock response generator for now.",
}

// MockResponse picks a canned reply for prompt. The md5 digest is read as a big-endian
// integer and reduced modulo len(MockResponses), so the choice is stable across processes.
func MockResponse(prompt string) string {
	sum := md5.Sum([]byte(prompt))
	n := new(big.Int).SetBytes(sum[:])
	idx := n.Mod(n, big.NewInt(int64(len(MockResponses)))).Int64()
	return MockResponses[idx]
}

// IsMockResponse reports whether text is one of the canned replies.
func IsMockResponse(text string) bool {
	for _, r := range MockResponses {
		if r == text {
			return true
		}
	}
	return false
}
