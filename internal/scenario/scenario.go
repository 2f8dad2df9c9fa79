// Package scenario описывает сценарии работы с корзиной в YAML и проигрывает их
// против in-memory коллаборатора: выборы товаров, активацию, сортировки и
// внедрённые ошибки, с проверкой ожиданий после каждого шага.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/cartsync/internal/storage/memory"
)

// Scenario описывает один сценарий.
//
//	name: add twice
//	description: повторный выбор увеличивает количество
//	order: order-1
//	seed:
//	  priceLists: [...]
//	  orders: [...]
//	steps:
//	  - select: P1
//	  - select: P1
//	    expect:
//	      lines: {P1: 2}
//	      totalAmount: "20"
type Scenario struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Order       string      `yaml:"order"`
	Seed        memory.Seed `yaml:"seed"`
	Limits      *Limits     `yaml:"limits,omitempty"`
	Steps       []Step      `yaml:"steps"`
	Expect      *Expect     `yaml:"expect,omitempty"`
}

// Limits переопределяет ограничение частоты выборов. Без него лимита нет.
type Limits struct {
	SelectRate  float64 `yaml:"selectRate"`
	SelectBurst int     `yaml:"selectBurst"`
}

// Step — одно действие. Ровно одно из полей действия должно быть задано.
type Step struct {
	Select      string    `yaml:"select,omitempty"`
	Activate    bool      `yaml:"activate,omitempty"`
	Retry       bool      `yaml:"retry,omitempty"`
	SortCatalog *SortStep `yaml:"sortCatalog,omitempty"`
	SortOrder   *SortStep `yaml:"sortOrder,omitempty"`
	Fail        *FailStep `yaml:"fail,omitempty"`
	Heal        string    `yaml:"heal,omitempty"`

	// ExpectError — ожидаемый вид ошибки действия (см. ErrorKind). Если пусто, ошибки быть не должно.
	ExpectError string  `yaml:"expectError,omitempty"`
	Expect      *Expect `yaml:"expect,omitempty"`
}

// SortStep задаёт сортировку.
type SortStep struct {
	Key       string `yaml:"key"`
	Direction string `yaml:"direction"`
}

// FailStep заставляет операцию коллаборатора возвращать ошибку до heal.
type FailStep struct {
	Op    string `yaml:"op"`
	Error string `yaml:"error"`
}

// Expect — проверки состояния. Незаданные поля не проверяются.
type Expect struct {
	State         string         `yaml:"state,omitempty"`
	Status        string         `yaml:"status,omitempty"`
	Locked        *bool          `yaml:"locked,omitempty"`
	Lines         map[string]int `yaml:"lines,omitempty"`
	TotalQuantity *int           `yaml:"totalQuantity,omitempty"`
	TotalAmount   string         `yaml:"totalAmount,omitempty"`
	CatalogOrder  []string       `yaml:"catalogOrder,omitempty"`
	OrderLines    []string       `yaml:"orderLines,omitempty"`
	// Notices сравнивается с уведомлениями, накопленными с прошлой проверки уведомлений.
	Notices   []string `yaml:"notices,omitempty"`
	LastError string   `yaml:"lastError,omitempty"`
}

// Parse читает сценарий из YAML. Неизвестные поля считаются ошибкой.
func Parse(r io.Reader) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("scenario is empty")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// Load читает сценарий из файла.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	sc, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Validate проверяет обязательные поля и шаги.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Order == "" {
		return fmt.Errorf("order is required")
	}
	if len(s.Steps) == 0 && s.Expect == nil {
		return fmt.Errorf("steps or expect are required")
	}
	if s.Limits != nil && (s.Limits.SelectRate <= 0 || s.Limits.SelectBurst <= 0) {
		return fmt.Errorf("limits: selectRate and selectBurst must be > 0")
	}
	for i, step := range s.Steps {
		if err := step.validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func (s Step) validate() error {
	actions := 0
	for _, set := range []bool{
		s.Select != "", s.Activate, s.Retry, s.SortCatalog != nil, s.SortOrder != nil, s.Fail != nil, s.Heal != "",
	} {
		if set {
			actions++
		}
	}
	if actions > 1 {
		return fmt.Errorf("step must contain exactly one action")
	}
	if actions == 0 && s.Expect == nil {
		return fmt.Errorf("step has neither an action nor expectations")
	}
	if s.ExpectError != "" {
		if _, ok := errorKinds[ErrorKind(s.ExpectError)]; !ok {
			return fmt.Errorf("unknown error kind %q", s.ExpectError)
		}
	}
	if s.Fail != nil {
		if _, ok := operations[s.Fail.Op]; !ok {
			return fmt.Errorf("unknown operation %q", s.Fail.Op)
		}
		if s.Fail.Error != "" {
			if _, ok := errorKinds[ErrorKind(s.Fail.Error)]; !ok {
				return fmt.Errorf("unknown error kind %q", s.Fail.Error)
			}
		}
	}
	if s.Heal != "" {
		if _, ok := operations[s.Heal]; !ok {
			return fmt.Errorf("unknown operation %q", s.Heal)
		}
	}
	return nil
}

// describe возвращает имя действия для отчёта.
func (s Step) describe() string {
	switch {
	case s.Select != "":
		return "select " + s.Select
	case s.Activate:
		return "activate"
	case s.Retry:
		return "retry"
	case s.SortCatalog != nil:
		return fmt.Sprintf("sortCatalog %s %s", s.SortCatalog.Key, s.SortCatalog.Direction)
	case s.SortOrder != nil:
		return fmt.Sprintf("sortOrder %s %s", s.SortOrder.Key, s.SortOrder.Direction)
	case s.Fail != nil:
		return "fail " + s.Fail.Op
	case s.Heal != "":
		return "heal " + s.Heal
	default:
		return "expect"
	}
}
