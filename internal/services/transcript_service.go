package services

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/shopchat/livechat/internal/chat"
	"github.com/shopchat/livechat/internal/models"
	"github.com/shopchat/livechat/pkg/logger"
)

const (
	defaultQueueSize = 1024
	defaultWorkers   = 2
)

// TranscriptService persists chat sessions and messages asynchronously so
// the broker's fan-out path never waits on the database. Each worker owns its
// own buffered queue and every job carries a session id that hashes to one of
// those queues, so the create, assignment and end writes for a session always
// run on the same worker in enqueue order. When a queue is full the record is
// dropped and logged, never blocking the caller.
type TranscriptService struct {
	db     *gorm.DB
	queues []chan transcriptJob
	wg     sync.WaitGroup
	log    *zap.Logger
	once   sync.Once
}

type transcriptJob struct {
	sessionID string
	session   *models.ChatSession
	message   *models.ChatMessage
	assign    *agentAssignment
	end       *sessionEnd
}

type agentAssignment struct {
	sessionID string
	agentID   string
	agentName string
}

type sessionEnd struct {
	sessionID string
	endedAt   time.Time
	reason    string
}

// TranscriptOption customises the service.
type TranscriptOption func(*transcriptConfig)

type transcriptConfig struct {
	queueSize int
	workers   int
}

// WithQueueSize overrides the per-worker write queue capacity.
func WithQueueSize(n int) TranscriptOption {
	return func(cfg *transcriptConfig) {
		if n > 0 {
			cfg.queueSize = n
		}
	}
}

// WithWorkers overrides the number of writer goroutines.
func WithWorkers(n int) TranscriptOption {
	return func(cfg *transcriptConfig) {
		if n > 0 {
			cfg.workers = n
		}
	}
}

// NewTranscriptService constructs the service and starts its writers.
func NewTranscriptService(db *gorm.DB, opts ...TranscriptOption) (*TranscriptService, error) {
	if db == nil {
		return nil, errors.New("transcript service: db is required")
	}

	cfg := transcriptConfig{queueSize: defaultQueueSize, workers: defaultWorkers}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &TranscriptService{
		db:     db,
		queues: make([]chan transcriptJob, cfg.workers),
		log:    logger.WithModule("transcripts"),
	}

	for i := range s.queues {
		s.queues[i] = make(chan transcriptJob, cfg.queueSize)
		s.wg.Add(1)
		go s.worker(s.queues[i])
	}

	return s, nil
}

// RecordSession enqueues a session row for the freshly created session.
func (s *TranscriptService) RecordSession(session chat.Session) {
	record := &models.ChatSession{
		BaseModel: models.BaseModel{ID: session.ID},
		UserID:    session.User.UserID,
		UserName:  session.User.Name,
		UserPhone: session.User.Phone,
		Language:  session.User.Language,
		StartedAt: session.StartedAt,
	}
	s.enqueue(transcriptJob{sessionID: session.ID, session: record})
}

// RecordMessage enqueues a message row.
func (s *TranscriptService) RecordMessage(msg chat.Message) {
	record := &models.ChatMessage{
		BaseModel:  models.BaseModel{ID: msg.ID, CreatedAt: msg.Timestamp},
		SessionID:  msg.ChatID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		SenderType: string(msg.SenderType),
		Content:    msg.Content,
	}
	s.enqueue(transcriptJob{sessionID: msg.ChatID, message: record})
}

// RecordAssignment enqueues the agent assignment update. A later assignment
// overwrites an earlier one, mirroring the broker's takeover semantics.
func (s *TranscriptService) RecordAssignment(sessionID, agentID, agentName string) {
	s.enqueue(transcriptJob{sessionID: sessionID, assign: &agentAssignment{
		sessionID: sessionID,
		agentID:   agentID,
		agentName: agentName,
	}})
}

// RecordSessionEnd enqueues the closing update for a session.
func (s *TranscriptService) RecordSessionEnd(sessionID string, endedAt time.Time, reason string) {
	s.enqueue(transcriptJob{sessionID: sessionID, end: &sessionEnd{sessionID: sessionID, endedAt: endedAt, reason: reason}})
}

// Close drains the queues and stops the writers. Safe to call once during
// shutdown; records enqueued afterwards are dropped.
func (s *TranscriptService) Close() {
	s.once.Do(func() {
		for _, queue := range s.queues {
			close(queue)
		}
	})
	s.wg.Wait()
}

// ListMessages returns persisted messages for a session in chronological
// order, optionally bounded by a before-timestamp cursor.
func (s *TranscriptService) ListMessages(ctx context.Context, sessionID string, limit int, before time.Time) ([]models.ChatMessage, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("transcript service: session id is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := s.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit)

	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}

	var rows []models.ChatMessage
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	return rows, nil
}

// GetSession returns the persisted session record.
func (s *TranscriptService) GetSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("transcript service: session id is required")
	}

	var record models.ChatSession
	if err := s.db.WithContext(ctx).First(&record, "id = ?", sessionID).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *TranscriptService) enqueue(job transcriptJob) {
	queue := s.queues[s.queueFor(job.sessionID)]
	select {
	case queue <- job:
	default:
		s.log.Warn("transcript queue full, dropping record", zap.String("session_id", job.sessionID))
	}
}

// queueFor pins a session to one worker so its writes stay ordered.
func (s *TranscriptService) queueFor(sessionID string) int {
	if len(s.queues) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(s.queues)))
}

func (s *TranscriptService) worker(queue <-chan transcriptJob) {
	defer s.wg.Done()

	for job := range queue {
		switch {
		case job.session != nil:
			if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(job.session).Error; err != nil {
				s.log.Warn("failed to persist session", zap.String("session_id", job.session.ID), zap.Error(err))
			}
		case job.message != nil:
			if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(job.message).Error; err != nil {
				s.log.Warn("failed to persist message", zap.String("message_id", job.message.ID), zap.Error(err))
			}
		case job.assign != nil:
			updates := map[string]any{
				"agent_id":   job.assign.agentID,
				"agent_name": job.assign.agentName,
			}
			s.updateSession(job.assign.sessionID, "record assignment", updates)
		case job.end != nil:
			updates := map[string]any{
				"ended_at":   job.end.endedAt,
				"end_reason": job.end.reason,
			}
			s.updateSession(job.end.sessionID, "close session record", updates)
		}
	}
}

func (s *TranscriptService) updateSession(sessionID, action string, updates map[string]any) {
	res := s.db.Model(&models.ChatSession{}).Where("id = ?", sessionID).Updates(updates)
	if res.Error != nil {
		s.log.Warn("failed to "+action, zap.String("session_id", sessionID), zap.Error(res.Error))
		return
	}
	if res.RowsAffected == 0 {
		s.log.Warn("no session row to "+action, zap.String("session_id", sessionID))
	}
}
