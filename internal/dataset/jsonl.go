package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// NewJSONL carga un dataset desde un archivo JSONL (un Prompt por línea).
// El archivo se lee completo al abrir; el sharding/streaming del dataset
// es responsabilidad del loader externo, no de este orquestador.
func NewJSONL(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: abrir %s: %w", path, err)
	}
	defer f.Close()

	var prompts []Prompt
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var p Prompt
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("dataset: %s línea %d: %w", path, line, err)
		}
		if p.ID == "" {
			p.ID = fmt.Sprintf("%s:%d", path, line)
		}
		prompts = append(prompts, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dataset: leer %s: %w", path, err)
	}
	return NewMemory(prompts)
}
