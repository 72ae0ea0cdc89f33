package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ovaphlow/pitchfork/service-auth/pkg/apperror"
)

const (
	MsgInvalidBody  = "Invalid request body"
	MsgInvalidEmail = "Invalid email format"
	maxBodyBytes    = 1 << 20
)

// checks collects field errors in the order they are found.
type checks struct {
	errs []string
}

func (c *checks) add(msg string) { c.errs = append(c.errs, msg) }

func (c *checks) required(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		c.add(field + " is required")
		return false
	}
	return true
}

func (c *checks) length(field, value string, min, max int) {
	if !c.required(field, value) {
		return
	}
	n := utf8.RuneCountInString(value)
	switch {
	case n < min:
		c.add(field + " must be at least " + strconv.Itoa(min) + " characters long")
	case n > max:
		c.add(field + " must be at most " + strconv.Itoa(max) + " characters long")
	}
}

func (c *checks) email(value string) {
	value = strings.TrimSpace(value)
	addr, err := mail.ParseAddress(value)
	if err != nil || addr.Address != value || !strings.Contains(value[strings.LastIndex(value, "@")+1:], ".") {
		c.add(MsgInvalidEmail)
	}
}

func (c *checks) password(value string) { c.length("Password", value, 8, 100) }

func (c *checks) otp(value string) {
	if !c.required("OTP", value) {
		return
	}
	if len(value) != 6 {
		c.add("OTP must be 6 characters")
		return
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			c.add("OTP must contain only digits")
			return
		}
	}
}

func (c *checks) err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return apperror.BadRequest(strings.Join(c.errs, ", "))
}

// decode reads a JSON body into v. Unknown fields are rejected.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperror.BadRequest(MsgInvalidBody)
		}
		return apperror.Wrap(err, apperror.KindBadRequest, MsgInvalidBody)
	}
	return nil
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (req registerRequest) validate() error {
	var c checks
	c.length("Name", req.Name, 2, 100)
	c.email(req.Email)
	c.password(req.Password)
	return c.err()
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (req loginRequest) validate() error {
	var c checks
	c.email(req.Email)
	c.password(req.Password)
	return c.err()
}

type emailRequest struct {
	Email string `json:"email"`
}

func (req emailRequest) validate() error {
	var c checks
	c.email(req.Email)
	return c.err()
}

type otpRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

func (req otpRequest) validate() error {
	var c checks
	c.email(req.Email)
	c.otp(req.OTP)
	return c.err()
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (req resetPasswordRequest) validate() error {
	var c checks
	c.required("Token", req.Token)
	c.password(req.Password)
	return c.err()
}

type resetPasswordOTPRequest struct {
	ResetToken string `json:"resetToken"`
	Password   string `json:"password"`
}

func (req resetPasswordOTPRequest) validate() error {
	var c checks
	c.required("Reset token", req.ResetToken)
	c.password(req.Password)
	return c.err()
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (req refreshRequest) validate() error {
	var c checks
	c.required("Refresh token", req.RefreshToken)
	return c.err()
}
