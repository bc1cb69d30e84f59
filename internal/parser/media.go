package parser

import (
	"strings"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
)

// mediaThumbnail はmedia:thumbnailのURLを返す。media:group配下も探す。
func mediaThumbnail(item *gofeed.Item) string {
	media := item.Extensions["media"]
	if media == nil {
		return ""
	}
	if u := firstAttr(media["thumbnail"], "url"); u != "" {
		return u
	}
	for _, group := range media["group"] {
		if u := firstAttr(group.Children["thumbnail"], "url"); u != "" {
			return u
		}
	}
	return ""
}

// mediaImage は画像として宣言されたmedia:contentまたはエンクロージャのURLを返す。
func mediaImage(item *gofeed.Item) string {
	if media := item.Extensions["media"]; media != nil {
		contents := media["content"]
		for _, group := range media["group"] {
			contents = append(contents, group.Children["content"]...)
		}
		for _, c := range contents {
			if isImage(c.Attrs["medium"], c.Attrs["type"]) && c.Attrs["url"] != "" {
				return c.Attrs["url"]
			}
		}
	}
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" && isImage("", enc.Type) {
			return enc.URL
		}
	}
	return ""
}

func isImage(medium, mimeType string) bool {
	return medium == "image" || mimeType == "image" || strings.HasPrefix(mimeType, "image/")
}

func firstAttr(exts []ext.Extension, attr string) string {
	for _, e := range exts {
		if v := strings.TrimSpace(e.Attrs[attr]); v != "" {
			return v
		}
	}
	return ""
}
