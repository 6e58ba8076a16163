// internal/service/template_service.go
package service

import (
	"regexp"
	"sort"
	"strings"

	"github.com/unclebandit/skymail-dispatch/internal/model"
)

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)
	// substitution matches {{key}} exactly, without trimming the name.
	substitutionPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)
)

// RenderTemplate replaces every {{key}} of data in template. Placeholders
// with no matching key are left as they are. The template is scanned once,
// so substituted values are never expanded again.
func RenderTemplate(template string, data map[string]string) string {
	if template == "" || len(data) == 0 {
		return template
	}
	return substitutionPattern.ReplaceAllStringFunc(template, func(match string) string {
		if v, ok := data[match[2:len(match)-2]]; ok {
			return v
		}
		return match
	})
}

// UnresolvedPlaceholders lists the distinct placeholder names still present
// in rendered text, sorted.
func UnresolvedPlaceholders(rendered string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(rendered, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	sort.Strings(names)
	return names
}

// Recipient is one address of a batch with its display name, if known.
type Recipient struct {
	Email string
	Name  string
}

// DisplayName falls back to the local part of the address.
func (r Recipient) DisplayName() string {
	if strings.TrimSpace(r.Name) != "" {
		return r.Name
	}
	if at := strings.IndexByte(r.Email, '@'); at > 0 {
		return r.Email[:at]
	}
	return r.Email
}

// BuildContext merges the system fields for one recipient with the
// campaign constants. Constants win on a name conflict.
func BuildContext(company *model.Company, assetURLs []string, recipient Recipient, constants model.StringMap) map[string]string {
	system := model.StringMap{
		"subscriber_email":    recipient.Email,
		"subscriber_username": recipient.DisplayName(),
		"template_assets":     strings.Join(assetURLs, ","),
	}
	if company != nil {
		system["company_name"] = company.CompanyName
		system["company_website"] = company.WebsiteURL
	}
	return system.Merge(constants)
}

// RenderedEmail is the content of one message after substitution.
type RenderedEmail struct {
	Subject string
	HTML    string
	Text    string
}

func (e RenderedEmail) Unresolved() []string {
	return UnresolvedPlaceholders(e.Subject + "\n" + e.HTML + "\n" + e.Text)
}

func RenderEmail(subject, html, text string, data map[string]string) RenderedEmail {
	return RenderedEmail{
		Subject: RenderTemplate(subject, data),
		HTML:    RenderTemplate(html, data),
		Text:    RenderTemplate(text, data),
	}
}
