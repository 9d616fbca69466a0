package generate

import (
	"context"
	"fmt"
)

// Static is a canned generator for local runs without an API key.
type Static struct{}

func (Static) Generate(_ context.Context, req Request) (string, error) {
	if req.Kind == "followup" {
		if req.Policy == "cold" {
			return fmt.Sprintf("Just checking in, we are still happy to help whenever it suits you. (follow-up %d)", req.Step), nil
		}
		return fmt.Sprintf("Hi again! Is there anything we can clarify for you? (follow-up %d)", req.Step), nil
	}
	return "Thanks for your message, we will get back to you shortly.", nil
}
