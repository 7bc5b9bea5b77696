// Package conversation manages the stored conversations of each user and
// chatting inside them.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"llm_gateway/backend"
	"llm_gateway/models"
)

// DefaultName is the name of the conversation every user starts with
const DefaultName = "Conversation 1"

var (
	ErrNotFound = errors.New("conversation not found")
	ErrExists   = errors.New("conversation already exists")
	ErrInvalid  = errors.New("invalid conversation request")
)

// Store persists conversations per user
type Store interface {
	LoadConversations(user string) (models.Conversations, error)
	SaveConversations(user string, conversations models.Conversations) error
}

// Router resolves backend identifiers
type Router interface {
	Resolve(id string) (backend.Backend, error)
}

// Service implements conversation management on top of a Store
type Service struct {
	store      Store
	router     Router
	defaults   models.Settings
	maxPerUser int

	// users guards load-modify-save of a user's map; convs serializes chats per conversation
	users keyedMutex
	convs keyedMutex

	now func() time.Time
}

// NewService creates a conversation service. Users are capped at maxPerUser conversations.
func NewService(store Store, router Router, defaults models.Settings, maxPerUser int) *Service {
	if maxPerUser < 1 {
		maxPerUser = 1
	}
	return &Service{
		store:      store,
		router:     router,
		defaults:   defaults,
		maxPerUser: maxPerUser,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ChatResult is the outcome of a chat inside a conversation
type ChatResult struct {
	Response     string
	Conversation models.Conversation
	Metadata     *backend.BackendMetadata
}

func (s *Service) newConversation() models.Conversation {
	now := s.now()
	return models.Conversation{
		Messages:  []models.Turn{},
		Meta:      s.defaults,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// load returns the user's conversations, creating the default one for new users.
// Callers hold the user lock.
func (s *Service) load(user string) (models.Conversations, error) {
	conversations, err := s.store.LoadConversations(user)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}
	if len(conversations) > 0 {
		return conversations, nil
	}

	conversations = models.Conversations{DefaultName: s.newConversation()}
	if err := s.store.SaveConversations(user, conversations); err != nil {
		return nil, fmt.Errorf("failed to save default conversation: %w", err)
	}
	return conversations, nil
}

func (s *Service) save(user string, conversations models.Conversations) error {
	s.evict(user, conversations)
	if err := s.store.SaveConversations(user, conversations); err != nil {
		return fmt.Errorf("failed to save conversations: %w", err)
	}
	return nil
}

// evict removes the oldest conversations beyond the per-user cap
func (s *Service) evict(user string, conversations models.Conversations) {
	if len(conversations) <= s.maxPerUser {
		return
	}

	names := make([]string, 0, len(conversations))
	for name := range conversations {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := conversations[names[i]], conversations[names[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return names[i] < names[j]
	})

	for _, name := range names[:len(names)-s.maxPerUser] {
		delete(conversations, name)
		log.Printf("[conversations] evicted %q of user %s", name, user)
	}
}

// List returns the user's conversations
func (s *Service) List(user string) (models.Conversations, error) {
	defer s.users.Lock(user)()
	return s.load(user)
}

// Replace stores the given map as the user's complete set of conversations
func (s *Service) Replace(user string, conversations models.Conversations) (models.Conversations, error) {
	now := s.now()
	for name, conv := range conversations {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: conversation name is empty", ErrInvalid)
		}
		if err := s.validateSettings(conv.Meta); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
		for i, turn := range conv.Messages {
			if turn.Role != models.RoleUser && turn.Role != models.RoleAssistant {
				return nil, fmt.Errorf("%w: %s: messages[%d] has role %q", ErrInvalid, name, i, turn.Role)
			}
		}
		if conv.Messages == nil {
			conv.Messages = []models.Turn{}
		}
		if conv.CreatedAt.IsZero() {
			conv.CreatedAt = now
		}
		if conv.UpdatedAt.IsZero() {
			conv.UpdatedAt = conv.CreatedAt
		}
		conversations[name] = conv
	}

	defer s.users.Lock(user)()
	if err := s.save(user, conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

// Create adds an empty conversation with default settings. An empty name
// picks the first free "Conversation N".
func (s *Service) Create(user, name string) (string, models.Conversation, error) {
	defer s.users.Lock(user)()

	conversations, err := s.load(user)
	if err != nil {
		return "", models.Conversation{}, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		for n := len(conversations) + 1; ; n++ {
			name = fmt.Sprintf("Conversation %d", n)
			if _, taken := conversations[name]; !taken {
				break
			}
		}
	} else if _, taken := conversations[name]; taken {
		return "", models.Conversation{}, fmt.Errorf("%w: %s", ErrExists, name)
	}

	conv := s.newConversation()
	conversations[name] = conv
	if err := s.save(user, conversations); err != nil {
		return "", models.Conversation{}, err
	}

	log.Printf("[conversations] user %s created %q", user, name)
	return name, conv, nil
}

// Delete removes a conversation
func (s *Service) Delete(user, name string) error {
	defer s.users.Lock(user)()

	conversations, err := s.load(user)
	if err != nil {
		return err
	}
	if _, ok := conversations[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	delete(conversations, name)
	return s.save(user, conversations)
}

// UpdateSettings replaces the generation settings of a conversation
func (s *Service) UpdateSettings(user, name string, settings models.Settings) (models.Conversation, error) {
	if err := s.validateSettings(settings); err != nil {
		return models.Conversation{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	defer s.users.Lock(user)()

	conversations, err := s.load(user)
	if err != nil {
		return models.Conversation{}, err
	}
	conv, ok := conversations[name]
	if !ok {
		return models.Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	conv.Meta = settings
	conv.UpdatedAt = s.now()
	conversations[name] = conv
	if err := s.save(user, conversations); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

func (s *Service) validateSettings(settings models.Settings) error {
	if settings.MaxTokens == 0 {
		settings.MaxTokens = models.DefaultMaxTokens
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	if _, err := s.router.Resolve(settings.BackendID); err != nil {
		return err
	}
	return nil
}

// Chat sends prompt within a stored conversation. The user and assistant
// turns are appended only if generation succeeds; concurrent chats on the
// same conversation run one at a time.
func (s *Service) Chat(ctx context.Context, user, name, prompt string) (ChatResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return ChatResult{}, fmt.Errorf("%w: prompt is empty", ErrInvalid)
	}

	defer s.convs.Lock(user + "\x00" + name)()

	unlockUser := s.users.Lock(user)
	conversations, err := s.load(user)
	unlockUser()
	if err != nil {
		return ChatResult{}, err
	}
	conv, ok := conversations[name]
	if !ok {
		return ChatResult{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	req := models.GenerationRequest{
		Prompt:         prompt,
		History:        conv.Messages,
		BackendID:      conv.Meta.BackendID,
		BackendVariant: conv.Meta.BackendVariant,
		Temperature:    conv.Meta.Temperature,
		MaxTokens:      conv.Meta.MaxTokens,
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return ChatResult{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	b, err := s.router.Resolve(req.BackendID)
	if err != nil {
		return ChatResult{}, err
	}

	text, metadata, err := b.Generate(ctx, req)
	if err != nil {
		return ChatResult{Metadata: metadata}, err
	}

	defer s.users.Lock(user)()

	// reload, other conversations may have changed during generation
	conversations, err = s.load(user)
	if err != nil {
		return ChatResult{Metadata: metadata}, err
	}
	conv, ok = conversations[name]
	if !ok {
		return ChatResult{Metadata: metadata}, fmt.Errorf("%w: %s was deleted during generation", ErrNotFound, name)
	}

	conv.Messages = append(conv.Messages,
		models.Turn{Role: models.RoleUser, Text: prompt},
		models.Turn{Role: models.RoleAssistant, Text: text},
	)
	conv.UpdatedAt = s.now()
	conversations[name] = conv

	if err := s.save(user, conversations); err != nil {
		return ChatResult{Metadata: metadata}, err
	}

	return ChatResult{Response: text, Conversation: conv, Metadata: metadata}, nil
}
