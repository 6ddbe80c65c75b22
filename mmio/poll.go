package mmio

import "github.com/algebnaly/tos/kernel"

// DefaultPollBudget bounds busy-wait loops when no budget is configured.
const DefaultPollBudget = 50000

// Poll calls done until it reports true, at most budget times. what names the
// condition in the timeout error.
func Poll(budget int, module, what string, done func() bool) error {
	if budget <= 0 {
		budget = DefaultPollBudget
	}
	for i := 0; i < budget; i++ {
		if done() {
			return nil
		}
	}
	return kernel.New(module, kernel.KindTimeout, what)
}
