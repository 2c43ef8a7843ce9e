package auth

import "time"

// User — учётная запись игрока или администратора ops-интерфейса
type User struct {
	ID           uint64    // неизменяемый идентификатор
	Username     string    // уникальное имя, без учёта регистра
	PasswordHash string    // bcrypt-хеш пароля
	CreatedAt    time.Time // момент регистрации (серверное время)
	LastLogin    time.Time // последний успешный вход
	IsAdmin      bool      // административные права
}
