package sandbox

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/segflow/segflow/internal/faults"
)

// RenderTemplate renders an embedded-expression template. The html text may
// contain <%= expr %> interpolations and <% stmt %> statement blocks; the
// preamble is prepended as plain statements so it can define helpers. Every
// key of vars is bound as a local holding the corresponding attribute
// document.
func RenderTemplate(htmlSource, preambleSource string, vars map[string]map[string]interface{}) (string, error) {
	chunk, err := compileTemplate(htmlSource, preambleSource, sortedKeys(vars))
	if err != nil {
		return "", err
	}

	L := newState()
	defer L.Close()

	varsTbl := L.NewTable()
	for name, doc := range vars {
		lv, err := attrsToLua(L, doc)
		if err != nil {
			return "", err
		}
		L.SetField(varsTbl, name, lv)
	}
	L.SetGlobal("__vars", varsTbl)

	if err := L.DoString(chunk); err != nil {
		return "", faults.Sandboxf("render template: %v", err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	s, ok := ret.(lua.LString)
	if !ok {
		return "", faults.Sandboxf("render template: produced %s, want text", ret.Type())
	}
	return string(s), nil
}

// compileTemplate turns template text into a Lua chunk that appends literal
// runs and interpolated values to an output buffer and returns the
// concatenation.
func compileTemplate(html, preamble string, varNames []string) (string, error) {
	var b strings.Builder
	b.WriteString("local __out = {}\n")
	b.WriteString("local function __emit(v)\n")
	b.WriteString("  if v == nil then v = \"\" end\n")
	b.WriteString("  __out[#__out + 1] = tostring(v)\n")
	b.WriteString("end\n")
	for _, name := range varNames {
		fmt.Fprintf(&b, "local %s = __vars[%q]\n", name, name)
	}
	if strings.TrimSpace(preamble) != "" {
		b.WriteString(preamble)
		b.WriteString("\n")
	}

	rest := html
	for {
		open := strings.Index(rest, "<%")
		if open < 0 {
			writeLiteral(&b, rest)
			break
		}
		writeLiteral(&b, rest[:open])
		rest = rest[open+2:]
		interp := strings.HasPrefix(rest, "=")
		if interp {
			rest = rest[1:]
		}
		end := strings.Index(rest, "%>")
		if end < 0 {
			return "", faults.Sandboxf("template: unterminated <%% tag")
		}
		code := strings.TrimSpace(rest[:end])
		rest = rest[end+2:]
		if interp {
			fmt.Fprintf(&b, "__emit(%s)\n", code)
		} else {
			b.WriteString(code)
			b.WriteString("\n")
		}
	}

	b.WriteString("return table.concat(__out)\n")
	return b.String(), nil
}

func writeLiteral(b *strings.Builder, text string) {
	if text == "" {
		return
	}
	fmt.Fprintf(b, "__emit(%s)\n", luaQuote(text))
}

// luaQuote produces a Lua 5.1 string literal. Go's %q is not safe here: Lua
// has no \x or \u escapes, only decimal \ddd.
func luaQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 {
				fmt.Fprintf(&b, "\\%d", c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}
