// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strconv"
)

const MaxUsernameLen = 64

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDInvalid   = errors.New("user id must be positive")
)

type UserID int64

func (id UserID) String() string { return strconv.FormatInt(int64(id), 10) }

// User is the identity attached to call events ("from" on the wire).
type User struct {
	ID     UserID `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id UserID, name, avatar string) (*User, error) {
	if id <= 0 {
		return nil, ErrUserIDInvalid
	}
	u := &User{ID: id, Avatar: avatar}
	if err := u.SetName(name); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) SetName(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Name = name
	return nil
}
