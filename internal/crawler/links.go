package crawler

import (
	"bytes"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// binaryExtensions lists file extensions never worth enqueueing.
var binaryExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".ico": {},
	".webp": {}, ".bmp": {}, ".tiff": {},
	".css": {}, ".js": {}, ".mjs": {}, ".map": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	".pdf": {}, ".zip": {}, ".tar": {}, ".gz": {}, ".tgz": {}, ".bz2": {},
	".7z": {}, ".rar": {}, ".jar": {}, ".war": {}, ".iso": {},
	".mp3": {}, ".mp4": {}, ".webm": {}, ".avi": {}, ".mov": {}, ".wav": {},
	".exe": {}, ".dmg": {}, ".bin": {}, ".deb": {}, ".rpm": {},
	".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {},
}

// ExtractLinks collects every href attribute in the page (not just anchors),
// resolves it against baseURL and drops non-http schemes and binary targets.
func ExtractLinks(baseURL string, html []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}

		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if isBinaryPath(abs.Path) {
			return
		}

		link := abs.String()
		if _, ok := seen[link]; ok {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

func isBinaryPath(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	_, ok := binaryExtensions[ext]
	return ok
}
