package core

type (
	SMSMessage struct {
		To   string // E.164 phone number
		Body string
	}

	// SMSService is any service that can send text messages
	SMSService interface {
		// SendSMS sends messages concurrently
		SendSMS(messages ...*SMSMessage)
	}
)
