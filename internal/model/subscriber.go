// internal/model/subscriber.go
package model

import "github.com/google/uuid"

const SubscriberActive = "subscribed"

type Subscriber struct {
	ID        uuid.UUID `db:"id" json:"id"`
	CompanyID uuid.UUID `db:"company_id" json:"company_id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	Status    string    `db:"status" json:"status"`
}
