package domain

// Account is a brokerage account visible with one set of credentials.
type Account struct {
	ID       string
	Provider string
	Name     string
	Currency string
}
