// Package version хранит сведения о сборке, заполняемые через -ldflags:
//
//	-X github.com/vladislavdragonenkov/cartsync/internal/version.version=v1.2.0
package version

import (
	"fmt"
	"strings"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build описывает сборку cartsync. Отдаётся в /healthz и в логах запуска.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Current возвращает сведения о текущей сборке.
func Current() Build {
	return Build{Version: version, Commit: commit, Date: date}
}

func (b Build) String() string {
	return fmt.Sprintf("cartsync version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}

// ClientID строит идентификатор Kafka-клиента процесса. Kafka допускает в нём
// только буквы, цифры, '.', '_' и '-'; остальные символы заменяются на '_'.
func ClientID(role string) string {
	id := "cartsync-" + role + "-" + version
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}
