package task

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/warehouse/tasks/pkg/conf"
	"github.com/malbeclabs/warehouse/tasks/pkg/sqlenc"
)

// Format replaces every {name} placeholder of template with values[name].
// "{{" and "}}" stand for literal braces. Only placeholders that are
// actually referenced need a value.
func Format(template string, values map[string]any) (string, error) {
	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); {
		switch c := template[i]; c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				b.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated placeholder at offset %d", conf.ErrConfiguration, i)
			}
			name := template[i+1 : i+1+end]
			if !sqlenc.IsIdentifier(name) {
				return "", fmt.Errorf("%w: invalid placeholder {%s}", conf.ErrConfiguration, name)
			}
			v, ok := values[name]
			if !ok {
				return "", fmt.Errorf("%w: unresolved placeholder {%s}", conf.ErrConfiguration, name)
			}
			b.WriteString(fmt.Sprint(v))
			i += end + 2
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i += 2
				continue
			}
			return "", fmt.Errorf("%w: single '}' at offset %d", conf.ErrConfiguration, i)
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}
