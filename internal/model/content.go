// internal/model/content.go
package model

import "github.com/google/uuid"

// Template is the newsletter template a campaign renders.
type Template struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Subject     string    `db:"subject" json:"subject"`
	HTMLContent string    `db:"html_content" json:"html_content"`
	TextContent string    `db:"text_content" json:"text_content"`
}

type Company struct {
	ID          uuid.UUID `db:"id" json:"id"`
	CompanyName string    `db:"company_name" json:"company_name"`
	WebsiteURL  string    `db:"website_url" json:"website_url"`
}
