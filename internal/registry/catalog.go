package registry

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed catalog/workers.yaml
var defaultCatalog []byte

// Навык по умолчанию для воркера, у которого в каталоге навыки не указаны.
const fallbackCapability = domain.CapDataValidation

type catalogFile struct {
	Domains []catalogDomain `yaml:"domains"`
}

type catalogDomain struct {
	Domain  string          `yaml:"domain"`
	Parent  domain.AgentID  `yaml:"parent"`
	Workers []catalogWorker `yaml:"workers"`
}

type catalogWorker struct {
	Type         string              `yaml:"type"`
	Name         string              `yaml:"name"`
	Description  string              `yaml:"description"`
	Capabilities []domain.Capability `yaml:"capabilities"`
}

// LoadCatalog читает каталог воркеров из файла; пустой путь: встроенный каталог.
// Файловая система читается только здесь, при старте процесса.
func LoadCatalog(path string) ([]domain.WorkerMetadata, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read worker catalog: %w", err)
		}
		data = b
	}
	return ParseCatalog(data)
}

// ParseCatalog разворачивает YAML-каталог в плоскую таблицу WorkerMetadata.
func ParseCatalog(data []byte) ([]domain.WorkerMetadata, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse worker catalog: %w", err)
	}

	seen := make(map[domain.AgentID]struct{})
	var out []domain.WorkerMetadata
	for _, d := range f.Domains {
		if d.Domain == "" {
			return nil, fmt.Errorf("parse worker catalog: domain name is required")
		}
		parent := d.Parent
		if parent == "" {
			parent = Generalist
		}
		for _, w := range d.Workers {
			if w.Type == "" {
				return nil, fmt.Errorf("parse worker catalog: worker type is required in domain %q", d.Domain)
			}
			id := WorkerID(d.Domain, w.Type)
			if _, dup := seen[id]; dup {
				return nil, fmt.Errorf("parse worker catalog: duplicate worker %q", id)
			}
			seen[id] = struct{}{}

			name := w.Name
			if name == "" {
				name = formatName(w.Type)
			}
			desc := w.Description
			if desc == "" {
				desc = fmt.Sprintf("%s worker for %s", name, d.Domain)
			}
			caps := w.Capabilities
			if len(caps) == 0 {
				caps = []domain.Capability{fallbackCapability}
			}
			out = append(out, domain.WorkerMetadata{
				ID:           id,
				Name:         name,
				Description:  desc,
				ParentID:     parent,
				Domain:       d.Domain,
				Capabilities: caps,
			})
		}
	}
	return out, nil
}

// WorkerID: "ap" + "invoice-parser" -> "ap_invoice_parser".
func WorkerID(domainName, workerType string) domain.AgentID {
	return domain.AgentID(domainName + "_" + strings.ReplaceAll(workerType, "-", "_"))
}

// formatName: "invoice-parser" -> "Invoice Parser".
func formatName(workerType string) string {
	parts := strings.Split(workerType, "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}
