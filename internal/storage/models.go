package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ChatterNone       = "none"
	ChatterMails      = "mails"
	ChatterMailsNotes = "mails_notes"
	ChatterAll        = "all"

	DestinationNote  = "note"
	DestinationField = "field"
)

var ErrInvalidAction = errors.New("invalid action")

type Provider struct {
	ID         int64
	ScopeID    int64
	Name       string
	Code       string
	Sequence   int
	EncAPIKey  *string
	BaseURL    string
	ConfigJSON string
	Active     bool
	CreatedAt  time.Time
}

func (p Provider) HasCredential() bool {
	return p.EncAPIKey != nil && strings.TrimSpace(*p.EncAPIKey) != ""
}

func (p Provider) Config() (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(p.ConfigJSON) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(p.ConfigJSON), &out); err != nil {
		return nil, fmt.Errorf("decode provider config: %w", err)
	}
	return out, nil
}

type Model struct {
	ID            int64
	ProviderID    int64
	Name          string
	TechnicalName string
	FilesAllowed  bool
	ImagesAllowed bool
	MaxFiles      int
	Sequence      int
	Active        bool
	CreatedAt     time.Time
}

type ModelWithProvider struct {
	Model
	Provider Provider
}

type Action struct {
	ID                    int64
	ScopeID               int64
	Name                  string
	TargetModel           string
	AIModelID             *int64
	PromptTemplate        string
	ReportID              *int64
	ReportName            string
	IncludeAllAttachments bool
	IncludeChatter        string
	OutputDestination     string
	OutputFieldName       string
	OutputFieldModel      string
	OutputFieldType       string
	CreatedAt             time.Time
}

// Normalize fills defaults and rejects values the orchestrator cannot route.
func (a *Action) Normalize() error {
	if a.IncludeChatter == "" {
		a.IncludeChatter = ChatterNone
	}
	if a.OutputDestination == "" {
		a.OutputDestination = DestinationNote
	}
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAction)
	}
	if strings.TrimSpace(a.TargetModel) == "" {
		return fmt.Errorf("%w: target model is required", ErrInvalidAction)
	}
	switch a.IncludeChatter {
	case ChatterNone, ChatterMails, ChatterMailsNotes, ChatterAll:
	default:
		return fmt.Errorf("%w: unknown chatter mode %q", ErrInvalidAction, a.IncludeChatter)
	}
	switch a.OutputDestination {
	case DestinationNote:
	case DestinationField:
		if strings.TrimSpace(a.OutputFieldName) == "" {
			return fmt.Errorf("%w: output field is required for field destination", ErrInvalidAction)
		}
		if a.OutputFieldModel == "" {
			a.OutputFieldModel = a.TargetModel
		}
	default:
		return fmt.Errorf("%w: unknown output destination %q", ErrInvalidAction, a.OutputDestination)
	}
	return nil
}

type GenerationEntry struct {
	ID          int64
	ActionID    int64
	RecordModel string
	RecordID    int64
	Stage       string
	Error       string
	CreatedAt   time.Time
}
