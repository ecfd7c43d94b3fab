package facilitator

import "github.com/Veraticus/sage/internal/trigger"

// Fixed facilitator texts.
const (
	// InterventionText interrupts a one-sided, heated exchange.
	InterventionText = "I want to pause here for a moment. I notice one person has been sharing quite a bit. " +
		"Let's make sure both voices are being heard. How are you feeling about what's been shared so far?"

	// StrategicFallback replaces a failed strategic reply.
	StrategicFallback = "I'm experiencing some technical difficulties. " +
		"Please continue your conversation - you're doing great at communicating with each other."

	// NormalFallback replaces a failed generic reply.
	NormalFallback = "I'm experiencing some technical difficulties. " +
		"Let's continue our conversation, and I'll do my best to help you both communicate effectively."
)

// addenda steer the base prompt for each strategic stance.
var addenda = map[trigger.ResponseType]string{
	trigger.ResponseRedirect: "The same person has been speaking for several messages. " +
		"Gently redirect to give the other person space to share.",
	trigger.ResponseCheckin: "It's been a while since you've spoken. " +
		"Check in on how the conversation is going for both people.",
	trigger.ResponseDeescalate: "There's some heated language. " +
		"Help both people take a breath and communicate more calmly.",
	trigger.ResponseSupport: "Someone just shared something emotional. " +
		"Provide supportive guidance that helps both partners understand each other.",
}

// Addendum returns the stance guidance appended to the base prompt, or
// "" for types that use the base prompt alone.
func Addendum(t trigger.ResponseType) string {
	return addenda[t]
}
