package product

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/eventbus"
	"github.com/baechuer/productbazar-client/internal/httpclient"
)

// Input is the editable part of a product submitted by its maker.
// Thumbnail and Gallery entries are either URLs or base64 data URLs.
type Input struct {
	Name        string   `json:"name" validate:"required,max=100"`
	Tagline     string   `json:"tagline" validate:"omitempty,max=160"`
	Description string   `json:"description" validate:"omitempty,max=5000"`
	Category    string   `json:"category"`
	Website     string   `json:"website" validate:"omitempty,url"`
	Status      string   `json:"status" validate:"omitempty,oneof=draft published archived"`
	Tags        []string `json:"tags" validate:"max=10,dive,min=1,max=30"`
	Thumbnail   string   `json:"thumbnail"`
	Gallery     []string `json:"gallery" validate:"max=10"`
}

// DeleteResult reports what a delete removed.
type DeleteResult struct {
	Slug              string
	ID                string
	WasAlreadyDeleted bool
}

// URLValidation is the server's verdict on a product website.
type URLValidation struct {
	Valid   bool   `json:"valid"`
	Exists  bool   `json:"exists"`
	Message string `json:"message"`
}

// Delete removes a product. A 404 counts as success so repeated deletes are safe.
func (s *Store) Delete(ctx context.Context, slug string) (DeleteResult, error) {
	if slug == "" {
		return DeleteResult{}, domain.ErrInvalidField("slug", "required")
	}
	if !s.identity.IsAuthenticated() {
		return DeleteResult{}, domain.ErrAuthRequired()
	}

	res := DeleteResult{Slug: slug}
	_, err := s.api.Do(ctx, http.MethodDelete, "/products/"+url.PathEscape(slug), httpclient.Options{})
	switch {
	case err == nil:
	case domain.IsKind(err, domain.KindNotFound):
		res.WasAlreadyDeleted = true
	default:
		return DeleteResult{}, err
	}

	s.mu.Lock()
	if p, ok := s.cache[slug]; ok {
		res.ID = p.ID
		delete(s.cache, slug)
	}
	for id, known := range s.slugByID {
		if known == slug {
			res.ID = id
			delete(s.slugByID, id)
		}
	}
	if s.current == slug {
		s.current = ""
	}
	s.mu.Unlock()

	s.log.Info().Str("slug", slug).Bool("already_deleted", res.WasAlreadyDeleted).Msg("product_deleted")
	if s.bus != nil {
		s.bus.Publish(eventbus.ProductDeleted, eventbus.ProductDeletedEvent{
			Slug:              res.Slug,
			ID:                res.ID,
			WasAlreadyDeleted: res.WasAlreadyDeleted,
		})
	}
	if s.nav != nil {
		switch s.nav.CurrentPath() {
		case "/product/" + slug, "/products/" + slug:
			s.nav.Navigate("/products")
		}
	}
	return res, nil
}

// Create submits a new product as multipart form data.
func (s *Store) Create(ctx context.Context, in Input) (domain.Product, error) {
	if !s.identity.IsAuthenticated() {
		return domain.Product{}, domain.ErrAuthRequired()
	}
	if err := validationError(s.validate.Struct(in)); err != nil {
		return domain.Product{}, err
	}
	form, err := buildForm(in)
	if err != nil {
		return domain.Product{}, err
	}
	resp, err := s.api.Do(ctx, http.MethodPost, "/products", httpclient.Options{Multipart: form})
	if err != nil {
		return domain.Product{}, err
	}
	w, err := decodeWrite(resp)
	if err != nil {
		return domain.Product{}, err
	}
	p := s.Ingest(w.patch)
	s.publishUpdated(p, "")
	return p, nil
}

// Update submits changes to an existing product. When the server renames the product the
// cache entry moves to the new slug and the update event carries both.
func (s *Store) Update(ctx context.Context, slug string, in Input) (domain.Product, error) {
	if slug == "" {
		return domain.Product{}, domain.ErrInvalidField("slug", "required")
	}
	if !s.identity.IsAuthenticated() {
		return domain.Product{}, domain.ErrAuthRequired()
	}
	// partial updates may omit the name
	if err := validationError(s.validate.StructExcept(in, "Name")); err != nil {
		return domain.Product{}, err
	}
	form, err := buildForm(in)
	if err != nil {
		return domain.Product{}, err
	}
	resp, err := s.api.Do(ctx, http.MethodPut, "/products/"+url.PathEscape(slug), httpclient.Options{Multipart: form})
	if err != nil {
		return domain.Product{}, err
	}
	w, err := decodeWrite(resp)
	if err != nil {
		return domain.Product{}, err
	}

	s.mu.Lock()
	p := s.mergeLocked(s.resolveLocked(slug, w.patch.IDValue()), w.patch)
	if s.current == slug && p.Slug != slug {
		s.current = p.Slug
	}
	s.mu.Unlock()

	oldSlug := ""
	if p.Slug != slug || w.SlugChanged {
		oldSlug = slug
		s.log.Info().Str("old_slug", slug).Str("slug", p.Slug).Msg("product_renamed")
	}
	s.publishUpdated(p, oldSlug)
	return p, nil
}

// ValidateURL asks the server whether a website is reachable and not already listed.
func (s *Store) ValidateURL(ctx context.Context, website string) (URLValidation, error) {
	if err := s.validate.Var(website, "required,url"); err != nil {
		return URLValidation{}, domain.ErrInvalidField("url", "invalid")
	}
	resp, err := s.api.Do(ctx, http.MethodPost, "/products/validate-url", httpclient.Options{
		Body: map[string]string{"url": website},
	})
	if err != nil {
		return URLValidation{}, err
	}
	var out URLValidation
	if err := resp.Data(&out); err != nil {
		return URLValidation{}, err
	}
	return out, nil
}

type writeResult struct {
	patch       domain.ProductPatch
	SlugChanged bool
}

func decodeWrite(resp *httpclient.Response) (writeResult, error) {
	var raw json.RawMessage
	if err := resp.Data(&raw); err != nil {
		return writeResult{}, err
	}
	var flags struct {
		SlugChanged bool `json:"slugChanged"`
	}
	_ = json.Unmarshal(raw, &flags)
	patch, err := unwrapProduct(raw)
	if err != nil {
		return writeResult{}, err
	}
	return writeResult{patch: patch, SlugChanged: flags.SlugChanged}, nil
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return domain.ErrInvalidField(strings.ToLower(verrs[0].Field()), verrs[0].Tag())
	}
	return domain.Wrap(domain.KindValidation, "invalid_input", "invalid input", err)
}

// buildForm turns Input into multipart fields. Data-URL images become binary parts,
// plain URLs stay as fields.
func buildForm(in Input) (*httpclient.Multipart, error) {
	form := &httpclient.Multipart{Fields: map[string]string{}}
	set := func(k, v string) {
		if v != "" {
			form.Fields[k] = v
		}
	}
	set("name", in.Name)
	set("tagline", in.Tagline)
	set("description", in.Description)
	set("category", in.Category)
	set("website", in.Website)
	set("status", in.Status)
	if in.Tags != nil {
		b, _ := json.Marshal(in.Tags)
		form.Fields["tags"] = string(b)
	}

	if in.Thumbnail != "" {
		if isDataURL(in.Thumbnail) {
			f, err := decodeDataURL("thumbnail", "thumbnail", in.Thumbnail)
			if err != nil {
				return nil, err
			}
			form.Files = append(form.Files, f)
		} else {
			form.Fields["thumbnail"] = in.Thumbnail
		}
	}

	var existing []string
	for i, g := range in.Gallery {
		if !isDataURL(g) {
			existing = append(existing, g)
			continue
		}
		f, err := decodeDataURL("gallery", "gallery-"+strconv.Itoa(i), g)
		if err != nil {
			return nil, err
		}
		form.Files = append(form.Files, f)
	}
	if existing != nil {
		b, _ := json.Marshal(existing)
		form.Fields["existingGallery"] = string(b)
	}
	return form, nil
}

func isDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// decodeDataURL decodes "data:<mime>;base64,<payload>" into a file part.
func decodeDataURL(field, name, s string) (httpclient.File, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return httpclient.File{}, domain.ErrInvalidField(field, "data_url")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return httpclient.File{}, domain.ErrInvalidField(field, "data_url")
	}
	ct := strings.TrimSuffix(meta, ";base64")
	if ct == "" {
		ct = "application/octet-stream"
	}
	ext := ".bin"
	if exts, _ := mime.ExtensionsByType(ct); len(exts) > 0 {
		ext = exts[0]
	}
	return httpclient.File{Field: field, Name: name + ext, ContentType: ct, Data: data}, nil
}
