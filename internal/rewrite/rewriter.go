package rewrite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Page 描述正在被重写的页面。
type Page struct {
	Identity string
	Variant  string
}

// AssetResolver 负责把页面内嵌的资源抓取进缓存，并返回本地公开路径。
type AssetResolver interface {
	ResolveAsset(ctx context.Context, page, name, remoteURL string) (string, error)
}

// AssetFailure 记录一次附件解析失败，失败的引用会回退到上游绝对地址。
type AssetFailure struct {
	Name   string
	Remote string
	Err    error
}

// Report 汇总一次重写过程。
type Report struct {
	Matches  map[string]int
	Assets   int
	Failures []AssetFailure
	NotFound bool
}

// State 在一次 Rewrite 调用内贯穿所有规则。
type State struct {
	Page     Page
	Resolver AssetResolver
	Report   *Report
}

// Options 描述站点相关的重写参数。
type Options struct {
	WikiBaseURL      string
	MirrorPrefix     string
	CachePrefix      string
	NotFoundMarker   string
	NotFoundMessage  string
	DecorativeImages []string
}

// Rewriter 按固定顺序对页面 HTML 执行规则。
type Rewriter struct {
	steps    []Step
	base     *url.URL
	basePath string
	mirror   string
	cache    string
}

var (
	chromePattern      = regexp.MustCompile(`(?s)^.*?<div\s+id="content"[^>]*>(.*?)<span class="anchor" id="bottom"></span>\s*</div>.*$`)
	anchorPattern      = regexp.MustCompile(`<span class="anchor" id="(?:top|bottom|line-\d+)"></span>\s*`)
	pageInfoPattern    = regexp.MustCompile(`(?s)<p id="pageinfo"[^>]*>.*?</p>\s*`)
	lineClassPattern   = regexp.MustCompile(`\s+class="line\d+"`)
	tableStylePattern  = regexp.MustCompile(`(<(?:table|tbody|thead|tr|td|th)\b[^>]*?)\s+style="[^"]*"`)
	tableWrapPattern   = regexp.MustCompile(`(?s)<div>\s*(<table\b.*?</table>)\s*</div>`)
	imagePattern       = regexp.MustCompile(`(<img\b[^>]*?\ssrc=")([^"]*/img/[^"]*)(")`)
	attachmentPattern  = regexp.MustCompile(`((?:href|src)=")([^"]*\?action=AttachFile&(?:amp;)?do=get&(?:amp;)?target=([^"&#]+)[^"]*)(")`)
	errUnresolvedAsset = errors.New("asset resolver unavailable")
)

// New 根据站点参数构建 Rewriter。
func New(opts Options) (*Rewriter, error) {
	base, err := url.Parse(strings.TrimSuffix(opts.WikiBaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse wiki base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("wiki base url must be absolute: %q", opts.WikiBaseURL)
	}

	r := &Rewriter{
		base:     base,
		basePath: strings.TrimSuffix(base.Path, "/"),
		mirror:   strings.TrimSuffix(opts.MirrorPrefix, "/"),
		cache:    strings.TrimSuffix(opts.CachePrefix, "/"),
	}
	origin := regexp.QuoteMeta(base.Scheme + "://" + base.Host)

	if marker := strings.TrimSpace(opts.NotFoundMarker); marker != "" {
		message := NotFoundBody(opts.NotFoundMessage)
		r.steps = append(r.steps, Step{
			Name:    "not_found",
			Pattern: regexp.MustCompile(`(?s)^.*` + regexp.QuoteMeta(marker) + `.*$`),
			Expand: func(ctx context.Context, state *State, groups []string) string {
				state.Report.NotFound = true
				return message
			},
		})
	}

	r.steps = append(r.steps,
		Step{Name: "strip_chrome", Pattern: chromePattern, Replace: "$1"},
		Step{Name: "strip_chrome", Pattern: anchorPattern},
		Step{Name: "strip_chrome", Pattern: pageInfoPattern},
		Step{Name: "strip_classes", Pattern: lineClassPattern},
		Step{Name: "table_attrs", Pattern: tableStylePattern, Replace: "$1"},
		Step{Name: "table_attrs", Pattern: tableWrapPattern, Replace: "$1"},
		Step{
			Name:    "internal_links",
			Pattern: regexp.MustCompile(`href="(` + origin + `)?(/[^"?#]*)(#[^"]*)?"`),
			Expand:  r.expandLink,
		},
	)

	for _, src := range opts.DecorativeImages {
		r.steps = append(r.steps, Step{
			Name:    "decorative_images",
			Pattern: regexp.MustCompile(`<img\b[^>]*\ssrc="(?:` + origin + `)?` + regexp.QuoteMeta(src) + `"[^>]*>`),
		})
	}

	r.steps = append(r.steps,
		Step{Name: "images", Pattern: imagePattern, Expand: r.expandImage},
		Step{Name: "attachments", Pattern: attachmentPattern, Expand: r.expandAttachment},
	)
	return r, nil
}

const notFoundOpen = `<div class="notfound"><p>`

// NotFoundBody 渲染“页面不存在”提示。
func NotFoundBody(message string) string {
	return notFoundOpen + html.EscapeString(message) + `</p></div>`
}

// IsNotFound 判断 body 是否为 NotFoundBody 的输出。
func IsNotFound(body []byte) bool {
	return bytes.HasPrefix(body, []byte(notFoundOpen))
}

// Steps 返回规则名称（按执行顺序），供诊断输出。
func (r *Rewriter) Steps() []string {
	names := make([]string, 0, len(r.steps))
	for _, step := range r.steps {
		names = append(names, step.Name)
	}
	return names
}

// Rewrite 依次执行所有规则。附件解析失败不会中断重写，引用回退到上游绝对地址。
func (r *Rewriter) Rewrite(ctx context.Context, doc string, page Page, resolver AssetResolver) (string, Report) {
	report := Report{Matches: make(map[string]int)}
	state := &State{Page: page, Resolver: resolver, Report: &report}
	for _, step := range r.steps {
		var n int
		doc, n = step.Apply(ctx, state, doc)
		if n > 0 {
			report.Matches[step.Name] += n
		}
	}
	return doc, report
}

func (r *Rewriter) expandLink(ctx context.Context, state *State, groups []string) string {
	absolute, linkPath, fragment := groups[1] != "", groups[2], groups[3]
	if strings.HasPrefix(linkPath, "//") {
		return groups[0]
	}
	if !absolute && r.isLocal(linkPath) {
		return groups[0]
	}
	if r.basePath != "" {
		if linkPath != r.basePath && !strings.HasPrefix(linkPath, r.basePath+"/") {
			return groups[0]
		}
		linkPath = strings.TrimPrefix(linkPath, r.basePath)
		if linkPath == "" {
			linkPath = "/"
		}
	}
	return `href="` + r.mirror + linkPath + fragment + `"`
}

// isLocal 表示链接已经指向镜像或缓存命名空间，重复重写时保持不变。
func (r *Rewriter) isLocal(linkPath string) bool {
	for _, prefix := range []string{r.mirror, r.cache} {
		if prefix == "" {
			continue
		}
		if linkPath == prefix || strings.HasPrefix(linkPath, prefix+"/") {
			return true
		}
	}
	return r.mirror == "" && r.basePath == ""
}

func (r *Rewriter) expandImage(ctx context.Context, state *State, groups []string) string {
	raw := html.UnescapeString(groups[2])
	name := raw
	if idx := strings.IndexAny(name, "?#"); idx >= 0 {
		name = name[:idx]
	}
	if idx := strings.LastIndex(name, "/img/"); idx >= 0 {
		name = name[idx+len("/img/"):]
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if name == "" {
		name = path.Base(raw)
	}
	return groups[1] + r.resolve(ctx, state, name, raw) + groups[3]
}

func (r *Rewriter) expandAttachment(ctx context.Context, state *State, groups []string) string {
	raw := html.UnescapeString(groups[2])
	target := html.UnescapeString(groups[3])
	if unescaped, err := url.QueryUnescape(target); err == nil {
		target = unescaped
	}
	return groups[1] + r.resolve(ctx, state, target, raw) + groups[4]
}

func (r *Rewriter) resolve(ctx context.Context, state *State, name, raw string) string {
	remote := r.absolute(raw)
	state.Report.Assets++

	var (
		public string
		err    = errUnresolvedAsset
	)
	if state.Resolver != nil {
		public, err = state.Resolver.ResolveAsset(ctx, state.Page.Identity, name, remote)
	}
	if err != nil {
		state.Report.Failures = append(state.Report.Failures, AssetFailure{Name: name, Remote: remote, Err: err})
		return html.EscapeString(remote)
	}
	return html.EscapeString(public)
}

// absolute 将页面中的相对地址解析为上游绝对地址。
func (r *Rewriter) absolute(raw string) string {
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return r.base.ResolveReference(ref).String()
}
