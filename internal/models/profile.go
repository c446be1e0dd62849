package models

import "fmt"

// Profile is a named server address configuration. At most one profile in a
// set carries IsDefault.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	IsDefault bool   `json:"is_default"`
}

// Address renders the host:port pair a dialer expects.
func (p Profile) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}
