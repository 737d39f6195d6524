package auth

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:         "alice@example.com",
		Password:      "supersafe",
		FullName:      "Alice Buyer",
		WalletAddress: "0xabc",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Role != RoleBuyer {
		t.Fatalf("register: expected default role %s got %s", RoleBuyer, user.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}

	ident, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if ident.PartyID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, ident.PartyID)
	}
	if ident.Role != RoleBuyer {
		t.Fatalf("verify token: expected role %s got %s", RoleBuyer, ident.Role)
	}
}

func TestService_RegisterRejectsWeakPassword(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")
	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "bob@example.com",
		Password: "short",
		FullName: "Bob Seller",
	})
	if err != ErrWeakPassword {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestService_RegisterRejectsMediator(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")
	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "m@example.com",
		Password: "longenough",
		FullName: "Mallory Mediator",
		Role:     RoleMediator,
	})
	if err == nil {
		t.Fatal("expected mediator self-registration to fail")
	}
}

func TestService_LoginWrongPassword(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{
		Email: "carol@example.com", Password: "supersafe", FullName: "Carol", Role: RoleSeller,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := svc.Login(ctx, LoginRequest{Email: "carol@example.com", Password: "wrongpass"})
	if err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_VerifyTokenWrongSecret(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{
		Email: "dan@example.com", Password: "supersafe", FullName: "Dan",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, err := svc.Login(ctx, LoginRequest{Email: "dan@example.com", Password: "supersafe"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	other := NewService(repo, "other-secret")
	if _, err := other.VerifyToken(resp.Token); err == nil {
		t.Fatal("expected verification with wrong secret to fail")
	}
}

type fakeRepository struct {
	byEmail map[string]User
	byID    map[string]User
	nextID  int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		byEmail: make(map[string]User),
		byID:    make(map[string]User),
	}
}

func (f *fakeRepository) CreateUser(_ context.Context, params CreateUserParams) (User, error) {
	if _, ok := f.byEmail[params.Email]; ok {
		return User{}, ErrDuplicateEmail
	}
	f.nextID++
	now := time.Now()
	user := User{
		ID:            fmt.Sprintf("user-%d", f.nextID),
		Email:         params.Email,
		FullName:      params.FullName,
		PasswordHash:  params.PasswordHash,
		WalletAddress: params.WalletAddress,
		Role:          params.Role,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	f.byEmail[user.Email] = user
	f.byID[user.ID] = user
	return user, nil
}

func (f *fakeRepository) GetUserByEmail(_ context.Context, email string) (User, error) {
	user, ok := f.byEmail[email]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(_ context.Context, userID string) (User, error) {
	user, ok := f.byID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}
