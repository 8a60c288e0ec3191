package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"github.com/xela07ax/ledger-orchestrator/internal/llm"
)

// Reasoner: внешний сервис рассуждений, раскладывающий запрос на подзадачи.
type Reasoner interface {
	Decompose(ctx context.Context, request string) ([]llm.Subtask, error)
}

// Фразы, по которым запрос считается многодоменным
var compositePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bprocess(ing)?\s+(an?\s+|the\s+|all\s+)?invoices?\s+and\s+pay`),
	regexp.MustCompile(`(?i)\breconcile\s+and\s+report`),
	regexp.MustCompile(`(?i)\bimport\s+and\s+categori[sz]e`),
	regexp.MustCompile(`(?i)\bgenerate\s+all\s+reports\b`),
}

// IsComposite сообщает, нужно ли раскладывать запрос на подзадачи.
func IsComposite(request string) bool {
	for _, re := range compositePatterns {
		if re.MatchString(request) {
			return true
		}
	}
	return false
}

type Decomposer struct {
	reasoner Reasoner
	now      func() time.Time
}

func NewDecomposer(r Reasoner) *Decomposer {
	return &Decomposer{reasoner: r, now: time.Now}
}

// Decompose оборачивает подзадачи сервиса рассуждений в дескрипторы:
// свежий id, тенант родителя, статус pending. Порядок сервиса сохраняется как порядок исполнения.
func (d *Decomposer) Decompose(ctx context.Context, request string, tc domain.TenantContext, input map[string]any) ([]domain.TaskDescriptor, error) {
	subtasks, err := d.reasoner.Decompose(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("decomposer: %w", err)
	}
	if len(subtasks) == 0 {
		subtasks = llm.FallbackSubtasks(request)
	}

	created := d.now().UTC()
	tasks := make([]domain.TaskDescriptor, len(subtasks))
	ids := make(map[string]string, len(subtasks))

	// 1. Выдаем идентификаторы
	for i, st := range subtasks {
		tasks[i] = domain.TaskDescriptor{
			ID:                   uuid.New().String(),
			Name:                 st.Name,
			Description:          st.Description,
			RequiredCapabilities: capabilitiesOf(st.RequiredCapabilities),
			Input:                subtaskInput(input, request, st),
			TenantID:             tc.TenantID,
			Priority:             domain.PriorityNormal,
			Status:               domain.TaskPending,
			CreatedAt:            created,
		}
		if _, dup := ids[st.Name]; !dup {
			ids[st.Name] = tasks[i].ID
		}
	}

	// 2. Имена зависимостей переводим в id; ссылки на неизвестные подзадачи отбрасываем
	for i, st := range subtasks {
		for _, dep := range st.Dependencies {
			if id, ok := ids[dep]; ok && id != tasks[i].ID {
				tasks[i].Dependencies = append(tasks[i].Dependencies, id)
			}
		}
	}
	return tasks, nil
}

func capabilitiesOf(raw []domain.Capability) []domain.Capability {
	caps := make([]domain.Capability, 0, len(raw))
	for _, c := range raw {
		if c != "" {
			caps = append(caps, c)
		}
	}
	if len(caps) == 0 {
		caps = append(caps, domain.CapabilityAny)
	}
	return caps
}

func subtaskInput(base map[string]any, request string, st llm.Subtask) map[string]any {
	in := maps.Clone(base)
	if in == nil {
		in = make(map[string]any, 2)
	}
	in["request"] = request
	in["subtask"] = st.Name
	return in
}
