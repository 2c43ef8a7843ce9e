package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength — минимальная длина пароля при регистрации
const MinPasswordLength = 6

// HashPassword хеширует пароль через bcrypt со стоимостью по умолчанию
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("хеширование пароля: %w", err)
	}
	return string(bytes), nil
}

// CheckPassword сверяет пароль с bcrypt-хешем
func CheckPassword(hash string, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePassword проверяет пароль на соответствие минимальным требованиям
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("пароль короче %d символов", MinPasswordLength)
	}
	return nil
}
