package session

import "fmt"

// Fixed notice texts.
const (
	readyText = "Perfect! Both partners are now here. I'm ready to help facilitate your conversation. " +
		"Remember, this is a safe space for open communication. What would you both like to focus on today?"
	pausedText  = "Session paused."
	resumedText = "Session resumed."
	endText     = "Session ended. Thank you both for your openness today. " +
		"Your conversation has been a step toward better communication."
	unknownParticipant = "A participant"
)

func welcomeText(name, code string) string {
	return fmt.Sprintf("Hello %s! I'm Sage, your AI counseling assistant. "+
		"I'm here to help facilitate healthy communication between you and your partner. "+
		"Please wait for your partner to join using code: %s", name, code)
}

func joinedText(name string) string {
	return name + " has joined the session."
}

func disconnectedText(name string) string {
	if name == "" {
		name = unknownParticipant
	}
	return name + " has disconnected."
}
