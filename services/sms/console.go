package smssvc

import (
	"log"
	"sync"

	"github.com/trezcool/tutora/core"
)

type consoleService struct {
	std *log.Logger
}

var _ core.SMSService = (*consoleService)(nil)

// NewConsoleService prints text messages to std instead of sending them.
func NewConsoleService(std *log.Logger) core.SMSService {
	return &consoleService{std: std}
}

func (svc consoleService) SendSMS(messages ...*core.SMSMessage) {
	for _, msg := range messages {
		msg := msg
		go svc.send(msg)
	}
}

func (svc consoleService) send(msg *core.SMSMessage) {
	if msg.To == "" || msg.Body == "" {
		return
	}
	svc.std.Printf("SMS to %s: %s\n", msg.To, msg.Body)
}

// ConsoleServiceMock keeps text messages in memory.
type ConsoleServiceMock struct {
	mu   sync.Mutex
	sent []core.SMSMessage
}

var _ core.SMSService = (*ConsoleServiceMock)(nil)

func NewConsoleServiceMock() *ConsoleServiceMock {
	return &ConsoleServiceMock{}
}

func (svc *ConsoleServiceMock) SendSMS(messages ...*core.SMSMessage) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	for _, msg := range messages {
		if msg.To != "" && msg.Body != "" {
			svc.sent = append(svc.sent, *msg)
		}
	}
}

func (svc *ConsoleServiceMock) SentMessages() []core.SMSMessage {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]core.SMSMessage(nil), svc.sent...)
}

func (svc *ConsoleServiceMock) Reset() {
	svc.mu.Lock()
	svc.sent = nil
	svc.mu.Unlock()
}
