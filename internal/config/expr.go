package config

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Evaluador de expresiones aritméticas simples sobre campos del config.
// Soporta enteros, referencias ${seccion.campo}, + - * / y paréntesis.
// La división es entera y truncada; /0 es error de configuración.
//
// Ejemplo de yaml:
//
//	training:
//	  batch_size: "${inference.batch_size} * ${inference.group_size}"

type exprParser struct {
	input  string
	pos    int
	lookup func(path string) (int, error)
}

// evalExpr evalúa expr usando lookup para resolver referencias.
func evalExpr(expr string, lookup func(path string) (int, error)) (int, error) {
	p := &exprParser{input: expr, lookup: lookup}
	v, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("config: expresión %q: basura en la posición %d", expr, p.pos)
	}
	return v, nil
}

// exprRefs lista las referencias ${…} dentro de expr, para detectar ciclos.
func exprRefs(expr string) []string {
	var refs []string
	s := expr
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			return refs
		}
		s = s[i+2:]
		j := strings.Index(s, "}")
		if j < 0 {
			return refs
		}
		refs = append(refs, strings.TrimSpace(s[:j]))
		s = s[j+1:]
	}
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *exprParser) parseSum() (int, error) {
	v, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return v, nil
		}
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			return v, nil
		}
		p.pos++
		rhs, err := p.parseProduct()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			v += rhs
		} else {
			v -= rhs
		}
	}
}

func (p *exprParser) parseProduct() (int, error) {
	v, err := p.parseAtom()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return v, nil
		}
		op := p.input[p.pos]
		if op != '*' && op != '/' {
			return v, nil
		}
		p.pos++
		rhs, err := p.parseAtom()
		if err != nil {
			return 0, err
		}
		if op == '*' {
			v *= rhs
		} else {
			if rhs == 0 {
				return 0, fmt.Errorf("config: expresión %q: división por cero", p.input)
			}
			v /= rhs
		}
	}
}

func (p *exprParser) parseAtom() (int, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("config: expresión %q: termina inesperadamente", p.input)
	}

	switch {
	case p.input[p.pos] == '(':
		p.pos++
		v, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("config: expresión %q: falta ')'", p.input)
		}
		p.pos++
		return v, nil

	case strings.HasPrefix(p.input[p.pos:], "${"):
		end := strings.Index(p.input[p.pos:], "}")
		if end < 0 {
			return 0, fmt.Errorf("config: expresión %q: falta '}'", p.input)
		}
		path := strings.TrimSpace(p.input[p.pos+2 : p.pos+end])
		p.pos += end + 1
		if p.lookup == nil {
			return 0, fmt.Errorf("config: expresión %q: referencia %q sin resolver", p.input, path)
		}
		v, err := p.lookup(path)
		if err != nil {
			return 0, fmt.Errorf("config: expresión %q: %w", p.input, err)
		}
		return v, nil

	case p.input[p.pos] == '-' || unicode.IsDigit(rune(p.input[p.pos])):
		start := p.pos
		if p.input[p.pos] == '-' {
			p.pos++
		}
		for p.pos < len(p.input) && unicode.IsDigit(rune(p.input[p.pos])) {
			p.pos++
		}
		n, err := strconv.Atoi(p.input[start:p.pos])
		if err != nil {
			return 0, fmt.Errorf("config: expresión %q: número inválido", p.input)
		}
		return n, nil

	default:
		return 0, fmt.Errorf("config: expresión %q: token inesperado en %d", p.input, p.pos)
	}
}

// IntExpr es un campo entero que en yaml puede venir como número literal o
// como expresión con referencias a otros campos. Se resuelve una sola vez
// en Load; después de eso Value() es un entero plano.
type IntExpr struct {
	raw      string
	value    int
	resolved bool
}

// Int crea un IntExpr ya resuelto (para defaults programáticos).
func Int(v int) IntExpr {
	return IntExpr{value: v, resolved: true}
}

// UnmarshalYAML acepta un entero o un string con expresión.
func (e *IntExpr) UnmarshalYAML(unmarshal func(any) error) error {
	var n int
	if err := unmarshal(&n); err == nil {
		*e = IntExpr{value: n, resolved: true}
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*e = IntExpr{raw: s}
	return nil
}

// Value retorna el entero resuelto. Cero si el campo no fue seteado.
func (e IntExpr) Value() int { return e.value }

// IsZero indica si el campo quedó sin setear en el yaml.
func (e IntExpr) IsZero() bool { return !e.resolved && e.raw == "" }

func (e IntExpr) refs() []string {
	if e.resolved {
		return nil
	}
	return exprRefs(e.raw)
}

func (e *IntExpr) resolve(lookup func(path string) (int, error)) error {
	if e.resolved {
		return nil
	}
	v, err := evalExpr(e.raw, lookup)
	if err != nil {
		return err
	}
	e.value = v
	e.resolved = true
	return nil
}
