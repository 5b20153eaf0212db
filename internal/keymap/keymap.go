package keymap

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidIdentity 表示页面/附件名称无法安全地映射为缓存文件名：
// 空串、非 UTF-8、反斜杠、控制字符或编码后过长。
var ErrInvalidIdentity = errors.New("invalid identity")

// maxEncodedLen 给别名前缀与变体后缀预留空间，保证最终文件名不超过 255 字节。
const maxEncodedLen = 200

// AssetSeparator 分隔页面部分与附件部分。编码后的页面名里每个 '_' 后面都紧跟
// 两位十六进制数字，因此不会出现连续的 "__"。
const AssetSeparator = "__"

// escapeTokens 列出需要转义的字符及其 3 字符 token，'_' 自身也参与转义以保证可逆。
var escapeTokens = map[rune]string{
	' ':  "_20",
	'!':  "_21",
	'\'': "_27",
	'(':  "_28",
	')':  "_29",
	',':  "_2C",
	'-':  "_2D",
	'.':  "_2E",
	'/':  "_2F",
	':':  "_3A",
	'_':  "_5F",
}

var reverseTokens = func() map[string]rune {
	out := make(map[string]rune, len(escapeTokens))
	for r, token := range escapeTokens {
		out[token] = r
	}
	return out
}()

// Encode 将逻辑名称编码为单个安全的路径段，编码结果不含 '/' 与 "..".
func Encode(identity string) (string, error) {
	if err := validate(identity); err != nil {
		return "", err
	}
	encoded := encodeWith(identity, nil)
	if len(encoded) > maxEncodedLen {
		return "", fmt.Errorf("%w: encoded name too long (%d bytes)", ErrInvalidIdentity, len(encoded))
	}
	return encoded, nil
}

// Decode 是 Encode 的逆运算，遇到未知 token 时返回 ErrInvalidIdentity。
func Decode(encoded string) (string, error) {
	var b strings.Builder
	b.Grow(len(encoded))
	for i := 0; i < len(encoded); i++ {
		ch := encoded[i]
		if ch != '_' {
			b.WriteByte(ch)
			continue
		}
		if i+3 > len(encoded) {
			return "", fmt.Errorf("%w: truncated token in %q", ErrInvalidIdentity, encoded)
		}
		r, ok := reverseTokens[encoded[i:i+3]]
		if !ok {
			return "", fmt.Errorf("%w: unknown token %q", ErrInvalidIdentity, encoded[i:i+3])
		}
		b.WriteRune(r)
		i += 2
	}
	return b.String(), nil
}

// EncodeAsset 对附件名做与 Encode 相同的转义，但保留 '.' 与 '-'，
// 以便缓存文件保留原始扩展名（report.pdf 仍然可见）。
func EncodeAsset(name string) (string, error) {
	if err := validate(name); err != nil {
		return "", err
	}
	encoded := encodeWith(name, map[rune]struct{}{'.': {}, '-': {}})
	if encoded == "." || encoded == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, name)
	}
	if len(encoded) > maxEncodedLen {
		return "", fmt.Errorf("%w: encoded asset name too long (%d bytes)", ErrInvalidIdentity, len(encoded))
	}
	return encoded, nil
}

// PageFile 返回页面缓存文件名：{alias}{encoded}{_variant}.html。
// 编码结果中的 '_' 后面总是数字或大写字母，变体以小写字母开头，因此后缀不会与页面名混淆。
func PageFile(alias, identity, variant string) (string, error) {
	encoded, err := Encode(identity)
	if err != nil {
		return "", err
	}
	if variant != "" {
		if !isVariant(variant) {
			return "", fmt.Errorf("%w: variant %q", ErrInvalidIdentity, variant)
		}
		encoded += "_" + variant
	}
	return alias + encoded + ".html", nil
}

// AssetFile 返回附件缓存文件名：{alias}{encodedPage}__{encodedAsset}，不做扩展名归一。
func AssetFile(alias, page, asset string) (string, error) {
	encodedPage, err := Encode(page)
	if err != nil {
		return "", err
	}
	encodedAsset, err := EncodeAsset(asset)
	if err != nil {
		return "", err
	}
	return alias + encodedPage + AssetSeparator + encodedAsset, nil
}

// IdentityPrefix 将逻辑名称前缀转换为文件名前缀，供批量清理使用。
// 编码逐字符进行，因此前缀关系在编码后保持不变。
func IdentityPrefix(alias, identityPrefix string) (string, error) {
	if identityPrefix == "" {
		return alias, nil
	}
	encoded, err := Encode(identityPrefix)
	if err != nil {
		return "", err
	}
	return alias + encoded, nil
}

// PublicPath 把缓存文件映射为对外 URL。
func PublicPath(prefix, cachePath string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + url.PathEscape(filepath.Base(cachePath))
}

// FileFromPublic 是 PublicPath 的逆运算，拒绝任何包含路径分隔符的结果。
func FileFromPublic(prefix, publicPath string) (string, error) {
	base := strings.TrimSuffix(prefix, "/") + "/"
	if !strings.HasPrefix(publicPath, base) {
		return "", fmt.Errorf("%w: %q outside %q", ErrInvalidIdentity, publicPath, prefix)
	}
	name, err := url.PathUnescape(strings.TrimPrefix(publicPath, base))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if !IsCacheFileName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, name)
	}
	return name, nil
}

// IsCacheFileName 判断 name 是否可能是一个合法的缓存文件名（单段、非隐藏）。
func IsCacheFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

// SplitAssetFile 从附件缓存文件名中拆出页面与附件部分（均为编码形式）。
func SplitAssetFile(alias, file string) (page, asset string, ok bool) {
	if !strings.HasPrefix(file, alias) {
		return "", "", false
	}
	rest := strings.TrimPrefix(file, alias)
	idx := strings.Index(rest, AssetSeparator)
	if idx <= 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(AssetSeparator):], true
}

func encodeWith(s string, keep map[rune]struct{}) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if _, skip := keep[r]; skip {
			b.WriteRune(r)
			continue
		}
		if token, ok := escapeTokens[r]; ok {
			b.WriteString(token)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func validate(identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if !utf8.ValidString(identity) {
		return fmt.Errorf("%w: not valid utf-8", ErrInvalidIdentity)
	}
	for _, r := range identity {
		if r == '\\' || unicode.IsControl(r) {
			return fmt.Errorf("%w: forbidden character %q", ErrInvalidIdentity, r)
		}
	}
	return nil
}

// isVariant 要求变体以小写字母开头，后续为小写字母或数字。
func isVariant(v string) bool {
	if v == "" || v[0] < 'a' || v[0] > 'z' {
		return false
	}
	for _, r := range v {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
