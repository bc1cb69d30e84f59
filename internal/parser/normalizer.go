package parser

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedsync/internal/model"
)

// Field は正規化で導出されるエントリのフィールド。
type Field int

const (
	FieldTitle Field = iota
	FieldEntryURL
	FieldContentURL
	FieldUsername
	FieldAvatarURL
	FieldBody
	FieldMediaURL
)

// ImageProber は画像URLの到達確認とページ内画像の解決を行う。
// いずれの失敗も「画像なし」として扱い、エラーは返さない。
type ImageProber interface {
	HeadOK(ctx context.Context, rawURL string) bool
	PageImage(ctx context.Context, pageURL string) string
}

// TextSanitizer はタイトルと本文抜粋を整形する。
type TextSanitizer interface {
	Excerpt(rawHTML string) string
	PlainText(raw string) string
}

// rawEntry は導出関数に渡される1件分の入力。
type rawEntry struct {
	feed    *gofeed.Feed
	item    *gofeed.Item
	summary string
}

type deriveFunc func(ctx context.Context, n *Normalizer, raw *rawEntry) string

type override struct {
	field  Field
	derive deriveFunc
}

// defaultDerivations は全Variant共通の導出ルール。
var defaultDerivations = map[Field]deriveFunc{
	FieldTitle:      itemTitle,
	FieldEntryURL:   itemLink,
	FieldContentURL: empty,
	FieldUsername:   itemAuthor,
	FieldAvatarURL:  itemAvatar,
	FieldBody:       summaryExcerpt,
	FieldMediaURL:   resolveMedia,
}

// variantOverrides はVariantごとの上書きルール。リストの順に適用され、後のものが優先される。
var variantOverrides = map[Variant][]override{
	VariantMastodon: {
		{FieldTitle, feedTitle},
	},
	VariantLinkAggregator: {
		{FieldEntryURL, commentsOrLink},
		{FieldContentURL, itemLink},
	},
	VariantGitHub: {
		{FieldBody, empty},
		{FieldAvatarURL, thumbnailOnly},
		{FieldMediaURL, empty},
	},
	VariantGoodreads: {
		{FieldBody, empty},
		{FieldMediaURL, empty},
	},
}

// derivationTables はVariantごとに上書きを適用済みの導出表。
var derivationTables = buildDerivationTables()

func buildDerivationTables() map[Variant]map[Field]deriveFunc {
	variants := []Variant{VariantDefault, VariantGitHub, VariantGoodreads, VariantMastodon, VariantLinkAggregator}
	tables := make(map[Variant]map[Field]deriveFunc, len(variants))
	for _, v := range variants {
		table := make(map[Field]deriveFunc, len(defaultDerivations))
		for f, d := range defaultDerivations {
			table[f] = d
		}
		for _, o := range variantOverrides[v] {
			table[o.field] = o.derive
		}
		tables[v] = table
	}
	return tables
}

func tableFor(v Variant) map[Field]deriveFunc {
	if t, ok := derivationTables[v]; ok {
		return t
	}
	return derivationTables[VariantDefault]
}

// Normalizer はgofeedのItemをmodel.CanonicalEntryに変換する。
// 並行に使用してよい。
type Normalizer struct {
	prober    ImageProber
	sanitizer TextSanitizer
	logger    *slog.Logger
}

// NewNormalizer はNormalizerの新しいインスタンスを生成する。
// proberがnilの場合は外部への問い合わせを行わない。
func NewNormalizer(prober ImageProber, sanitizer TextSanitizer, logger *slog.Logger) *Normalizer {
	if prober == nil {
		prober = nopProber{}
	}
	return &Normalizer{
		prober:    prober,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// Normalize は1件のItemを正規化する。
// link、summary（DescriptionまたはContent）、GUID、日時のいずれかが欠けている場合は
// *model.MalformedEntryErrorを返す。呼び出し側はそのエントリだけをスキップする。
func (n *Normalizer) Normalize(ctx context.Context, variant Variant, feed *gofeed.Feed, item *gofeed.Item) (model.CanonicalEntry, error) {
	if item == nil {
		return model.CanonicalEntry{}, &model.MalformedEntryError{Missing: []string{"item"}}
	}

	raw := &rawEntry{feed: feed, item: item, summary: summaryOf(item)}
	created, updated := remoteTimes(item)

	var missing []string
	if strings.TrimSpace(item.Link) == "" {
		missing = append(missing, "link")
	}
	if strings.TrimSpace(raw.summary) == "" {
		missing = append(missing, "summary")
	}
	if strings.TrimSpace(item.GUID) == "" {
		missing = append(missing, "id")
	}
	if created.IsZero() {
		missing = append(missing, "published")
	}
	if len(missing) > 0 {
		return model.CanonicalEntry{}, &model.MalformedEntryError{RemoteID: item.GUID, Missing: missing}
	}

	table := tableFor(variant)
	entry := model.CanonicalEntry{
		RemoteID:      strings.TrimSpace(item.GUID),
		Title:         table[FieldTitle](ctx, n, raw),
		EntryURL:      table[FieldEntryURL](ctx, n, raw),
		ContentURL:    table[FieldContentURL](ctx, n, raw),
		Username:      table[FieldUsername](ctx, n, raw),
		AvatarURL:     table[FieldAvatarURL](ctx, n, raw),
		Body:          table[FieldBody](ctx, n, raw),
		MediaURL:      table[FieldMediaURL](ctx, n, raw),
		RemoteCreated: created,
		RemoteUpdated: updated,
	}

	if data, err := json.Marshal(item); err == nil {
		entry.RawData = string(data)
	} else {
		n.logger.Warn("エントリの生データのシリアライズに失敗しました",
			slog.String("remote_id", entry.RemoteID),
			slog.String("error", err.Error()),
		)
	}

	return entry, nil
}

// summaryOf はDescriptionを優先し、無ければContentを返す。
func summaryOf(item *gofeed.Item) string {
	if strings.TrimSpace(item.Description) != "" {
		return item.Description
	}
	return item.Content
}

// remoteTimes はソース上の作成日時と更新日時をUTCで返す。
// 作成日時はPublished、無ければUpdated。更新日時はUpdated、無ければ作成日時。
func remoteTimes(item *gofeed.Item) (created, updated time.Time) {
	switch {
	case item.PublishedParsed != nil:
		created = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		created = item.UpdatedParsed.UTC()
	}
	if item.UpdatedParsed != nil {
		updated = item.UpdatedParsed.UTC()
	} else {
		updated = created
	}
	return created, updated
}

func empty(context.Context, *Normalizer, *rawEntry) string { return "" }

func itemTitle(_ context.Context, n *Normalizer, raw *rawEntry) string {
	return n.sanitizer.PlainText(raw.item.Title)
}

func feedTitle(_ context.Context, n *Normalizer, raw *rawEntry) string {
	if raw.feed == nil {
		return n.sanitizer.PlainText(raw.item.Title)
	}
	return n.sanitizer.PlainText(raw.feed.Title)
}

func itemLink(_ context.Context, _ *Normalizer, raw *rawEntry) string {
	return strings.TrimSpace(raw.item.Link)
}

func commentsOrLink(ctx context.Context, n *Normalizer, raw *rawEntry) string {
	if link := commentsLink(raw.summary); link != "" {
		return link
	}
	return itemLink(ctx, n, raw)
}

func itemAuthor(_ context.Context, _ *Normalizer, raw *rawEntry) string {
	if raw.item.Author != nil && raw.item.Author.Name != "" {
		return raw.item.Author.Name
	}
	for _, a := range raw.item.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	return ""
}

// itemAvatar はエントリ単位の画像が到達可能な場合のみそのURLを返す。
func itemAvatar(ctx context.Context, n *Normalizer, raw *rawEntry) string {
	if raw.item.Image == nil || raw.item.Image.URL == "" {
		return ""
	}
	if !n.prober.HeadOK(ctx, raw.item.Image.URL) {
		return ""
	}
	n.logger.Debug("エントリのアバター画像を検出しました", slog.String("url", raw.item.Image.URL))
	return raw.item.Image.URL
}

func thumbnailOnly(_ context.Context, _ *Normalizer, raw *rawEntry) string {
	return mediaThumbnail(raw.item)
}

func summaryExcerpt(_ context.Context, n *Normalizer, raw *rawEntry) string {
	excerpt := extractExcerpt(raw.summary)
	if excerpt == "" {
		return ""
	}
	return n.sanitizer.Excerpt(excerpt)
}

// resolveMedia は構造化フィールド、本文中のimg、ページのメタタグの順に画像を探す。
func resolveMedia(ctx context.Context, n *Normalizer, raw *rawEntry) string {
	if u := mediaThumbnail(raw.item); u != "" {
		return u
	}
	if u := mediaImage(raw.item); u != "" {
		return u
	}
	if u := firstImageSrc(raw.summary); u != "" {
		return u
	}
	n.logger.Debug("フィード内に画像が無いためページのメタタグを確認します", slog.String("url", raw.item.Link))
	return n.prober.PageImage(ctx, raw.item.Link)
}

type nopProber struct{}

func (nopProber) HeadOK(context.Context, string) bool { return false }
func (nopProber) PageImage(context.Context, string) string { return "" }
