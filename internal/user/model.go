package user

import "time"

type User struct {
	ID        int       `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Credentials is the body of both /register and /login.
type Credentials struct {
	Username string `json:"username" validate:"required,min=3,max=50,printascii"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// Profile is the public view of an account.
type Profile struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          int    `json:"id"`
	Username    string `json:"username"`
}
