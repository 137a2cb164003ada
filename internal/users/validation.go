package users

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/apperr"
	validation "github.com/go-ozzo/ozzo-validation"
)

const (
	passwordSpecialCharacters = "!@#$%^&*"
	minUsernameLength         = 3
	maxUsernameLength         = 100
	minPasswordLength         = 8
	maxPasswordLength         = 100
	maxEmailLength            = 100
)

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

	errPasswordUppercase = errors.New("password must contain at least one uppercase letter")
	errPasswordLowercase = errors.New("password must contain at least one lowercase letter")
	errPasswordDigit     = errors.New("password must contain at least one digit")
	errPasswordSpecial   = errors.New("password must contain at least one of " + passwordSpecialCharacters)
)

// ValidateUsername enforces 3-100 alphanumeric characters.
func ValidateUsername(username string) error {
	err := validation.Validate(normalize(username),
		validation.Required.Error("username is required"),
		validation.Length(minUsernameLength, maxUsernameLength).Error("username must be between 3 and 100 characters"),
		validation.Match(usernamePattern).Error("username may only contain letters and numbers"),
	)
	if err != nil {
		return apperr.Validation("invalid_username", err.Error())
	}
	return nil
}

// ValidateEmail enforces a local@domain.tld shape of at most 100 characters.
func ValidateEmail(email string) error {
	err := validation.Validate(NormalizeEmail(email),
		validation.Required.Error("email is required"),
		validation.Length(1, maxEmailLength).Error("email must be at most 100 characters"),
		validation.Match(emailPattern).Error("email address is invalid"),
	)
	if err != nil {
		return apperr.Validation("invalid_email", err.Error())
	}
	return nil
}

// ValidatePassword enforces the strength rules for new or changed passwords.
func ValidatePassword(password string) error {
	err := validation.Validate(password,
		validation.Required.Error("password is required"),
		validation.Length(minPasswordLength, maxPasswordLength).Error("password must be between 8 and 100 characters"),
		validation.By(passwordComposition),
	)
	if err != nil {
		return apperr.Validation("invalid_password", err.Error())
	}
	return nil
}

func passwordComposition(value interface{}) error {
	password, _ := value.(string)
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(passwordSpecialCharacters, r):
			hasSpecial = true
		}
	}
	switch {
	case !hasUpper:
		return errPasswordUppercase
	case !hasLower:
		return errPasswordLowercase
	case !hasDigit:
		return errPasswordDigit
	case !hasSpecial:
		return errPasswordSpecial
	}
	return nil
}
