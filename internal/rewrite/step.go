package rewrite

import (
	"context"
	"regexp"
	"strings"
)

// ExpandFunc 根据一次匹配的捕获组生成替换文本，可以产生副作用（例如回源抓取附件）。
// groups[0] 为完整匹配，未参与匹配的可选组为空串。
type ExpandFunc func(ctx context.Context, state *State, groups []string) string

// Step 是一条有序的重写规则：要么是纯文本替换（Replace，支持 $1 形式的引用），
// 要么是回调替换（Expand）。两者同时设置时以 Expand 为准。
type Step struct {
	Name    string
	Pattern *regexp.Regexp
	Replace string
	Expand  ExpandFunc
}

// Apply 对 doc 执行本条规则，返回新文档与匹配次数。
func (s Step) Apply(ctx context.Context, state *State, doc string) (string, int) {
	matches := s.Pattern.FindAllStringSubmatchIndex(doc, -1)
	if len(matches) == 0 {
		return doc, 0
	}

	var b strings.Builder
	b.Grow(len(doc))
	last := 0
	for _, loc := range matches {
		b.WriteString(doc[last:loc[0]])
		if s.Expand != nil {
			b.WriteString(s.Expand(ctx, state, submatches(doc, loc)))
		} else {
			b.Write(s.Pattern.ExpandString(nil, s.Replace, doc, loc))
		}
		last = loc[1]
	}
	b.WriteString(doc[last:])
	return b.String(), len(matches)
}

func submatches(doc string, loc []int) []string {
	groups := make([]string, len(loc)/2)
	for i := range groups {
		start, end := loc[2*i], loc[2*i+1]
		if start >= 0 && end >= 0 {
			groups[i] = doc[start:end]
		}
	}
	return groups
}
