// Package models provides data model definitions for FieldSync.
package models

// GatewayCredential holds the remote document-store endpoint and its
// API token. The token is stored encrypted at rest.
type GatewayCredential struct {
	ID             UUID   `db:"id" json:"id"`
	Endpoint       string `db:"endpoint" json:"endpoint"`
	TokenEncrypted string `db:"token_encrypted" json:"-"`
	IsEnabled      bool   `db:"is_enabled" json:"is_enabled"`
	CreatedAt      int64  `db:"created_at" json:"created_at"`
	UpdatedAt      int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for GatewayCredential.
func (GatewayCredential) TableName() string {
	return "gateway_credentials"
}
