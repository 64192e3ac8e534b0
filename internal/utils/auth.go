package utils

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/repos"
	"github.com/odooforge/odooforge-backend/internal/types"
)

func NormalizeUserFields(user *types.User) {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.FirstName = strings.TrimSpace(user.FirstName)
	user.LastName = strings.TrimSpace(user.LastName)
}

func ValidateRegistration(ctx context.Context, userRepo repos.UserRepo, user *types.User) error {
	if user == nil {
		return fmt.Errorf("No user given, cannot proceed with registration")
	}
	if user.Email == "" {
		return fmt.Errorf("An email is required to register")
	}
	emailExists, err := userRepo.EmailExists(ctx, nil, user.Email)
	if err != nil {
		return fmt.Errorf("Failed to check user email")
	}
	if emailExists {
		return fmt.Errorf("Email is already in use")
	}
	if user.Password == "" {
		return fmt.Errorf("A password is required to register")
	}
	if user.FirstName == "" {
		return fmt.Errorf("A first name is required to register")
	}
	if user.LastName == "" {
		return fmt.Errorf("A last name is required to register")
	}
	return nil
}

func HashPassword(log *logger.Logger, user *types.User) error {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		if log != nil {
			log.Warn("Failed to hash password", "error", err)
		}
		return fmt.Errorf("Failed to hash password")
	}
	user.Password = string(hashedPassword)
	return nil
}
