package sandbox

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/pushline/internal/campaign"
	"github.com/foxzi/pushline/internal/delivery"
)

// Delivery modes
const (
	ModeProduction = "production"
	ModeSandbox    = "sandbox"
)

// simulatedErrors are the reasons reported when error simulation triggers
var simulatedErrors = []string{
	"not on whatsapp",
	"session closed",
	"rate limited",
	"media upload failed",
}

// Sender wraps the real delivery client and captures messages instead of
// sending them while in sandbox mode
type Sender struct {
	real    delivery.Sender
	storage *Storage
	logger  *slog.Logger

	mu               sync.RWMutex
	mode             string
	simulateErrors   bool
	errorProbability float64 // 0.0 to 1.0
}

// NewSender creates a new sandbox sender in production mode
func NewSender(real delivery.Sender, storage *Storage, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sender{
		real:             real,
		storage:          storage,
		logger:           logger,
		mode:             ModeProduction,
		errorProbability: 0.1,
	}
}

// SetMode switches between production and sandbox delivery
func (s *Sender) SetMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode != ModeSandbox {
		mode = ModeProduction
	}
	s.mode = mode
}

// Mode returns the current delivery mode
func (s *Sender) Mode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetErrorSimulation enables/disables error simulation in sandbox mode
func (s *Sender) SetErrorSimulation(enabled bool, probability float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.simulateErrors = enabled
	if probability > 0 && probability <= 1 {
		s.errorProbability = probability
	}
}

// SendScripted delivers or captures a resolved script
func (s *Sender) SendScripted(ctx context.Context, to string, script []campaign.Step) error {
	if s.Mode() != ModeSandbox {
		return s.real.SendScripted(ctx, to, script)
	}
	return s.capture(ctx, &Message{To: to, Path: string(delivery.PathScript), Script: script})
}

// SendLegacy delivers or captures a template message
func (s *Sender) SendLegacy(ctx context.Context, to, text string, media []campaign.Attachment) error {
	if s.Mode() != ModeSandbox {
		return s.real.SendLegacy(ctx, to, text, media)
	}
	return s.capture(ctx, &Message{To: to, Path: string(delivery.PathLegacy), Text: text, Media: media})
}

// capture stores the message and reports it as delivered, unless an error
// is simulated
func (s *Sender) capture(ctx context.Context, msg *Message) error {
	msg.ID = uuid.New().String()
	msg.CapturedAt = time.Now()

	s.mu.RLock()
	simulate := s.simulateErrors && rand.Float64() < s.errorProbability
	s.mu.RUnlock()

	var sendErr error
	if simulate {
		msg.SimulatedErr = simulatedErrors[rand.IntN(len(simulatedErrors))]
		sendErr = &delivery.Error{Path: delivery.Path(msg.Path), Reason: msg.SimulatedErr}
	}

	s.logger.Info("sandbox: capturing message",
		"id", msg.ID,
		"to", msg.To,
		"path", msg.Path,
		"simulated_error", msg.SimulatedErr,
	)

	if err := s.storage.Save(ctx, msg); err != nil {
		s.logger.Error("sandbox: failed to store message", "id", msg.ID, "error", err)
		return &delivery.Error{Path: delivery.Path(msg.Path), Exception: true, Reason: err.Error()}
	}

	return sendErr
}
