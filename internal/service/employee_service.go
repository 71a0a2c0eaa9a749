package service

import (
	"context"
	"errors"
	"os"
	"time"

	"backend/internal/model"
	"backend/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// --- DTOs ---

type CreateEmployeeRequest struct {
	Username          string `json:"username" binding:"required"`
	FullName          string `json:"full_name" binding:"required"`
	Password          string `json:"password" binding:"required,min=6"`
	Role              string `json:"role" binding:"required"`
	CostCenter        string `json:"cost_center"`
	SupervisorID      string `json:"supervisor_id"`
	FinanceApproverID string `json:"finance_approver_id"`
}

// UpdateReviewersRequest reassigns an employee's reviewers. A nil field is
// left untouched; an empty string clears the assignment.
type UpdateReviewersRequest struct {
	SupervisorID      *string `json:"supervisor_id"`
	FinanceApproverID *string `json:"finance_approver_id"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// EmployeeResponse omits sensitive data (e.g. the password hash)
type EmployeeResponse struct {
	ID                string  `json:"id"`
	Username          string  `json:"username"`
	FullName          string  `json:"full_name"`
	Role              string  `json:"role"`
	CostCenter        string  `json:"cost_center"`
	SupervisorID      *string `json:"supervisor_id"`
	FinanceApproverID *string `json:"finance_approver_id"`
	CreatedAt         string  `json:"created_at"`
}

// EmployeeService defines the business logic around employee accounts. This
// is the minimal identity surface the sync and approval flows need; full
// profile management lives in an external system.
type EmployeeService interface {
	CreateEmployee(ctx context.Context, req CreateEmployeeRequest) (*EmployeeResponse, error)
	UpdateReviewers(ctx context.Context, id string, req UpdateReviewersRequest) (*EmployeeResponse, error)
	Login(ctx context.Context, req LoginRequest) (*TokenResponse, error)
	GetEmployeeByID(ctx context.Context, id string) (*EmployeeResponse, error)
	ListEmployees(ctx context.Context, page, limit int) ([]EmployeeResponse, int64, error)
}

type employeeService struct {
	repo repository.EmployeeRepository
}

// NewEmployeeService returns a new instance of EmployeeService
func NewEmployeeService(repo repository.EmployeeRepository) EmployeeService {
	return &employeeService{repo: repo}
}

func mapToEmployeeResponse(e *model.Employee) *EmployeeResponse {
	resp := &EmployeeResponse{
		ID:         e.ID.String(),
		Username:   e.Username,
		FullName:   e.FullName,
		Role:       e.Role,
		CostCenter: e.CostCenter,
		CreatedAt:  e.CreatedAt.Format(time.RFC3339),
	}
	if e.SupervisorID != nil {
		s := e.SupervisorID.String()
		resp.SupervisorID = &s
	}
	if e.FinanceApproverID != nil {
		s := e.FinanceApproverID.String()
		resp.FinanceApproverID = &s
	}
	return resp
}

func parseOptionalID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *employeeService) CreateEmployee(ctx context.Context, req CreateEmployeeRequest) (*EmployeeResponse, error) {
	if !model.ValidRole(req.Role) {
		return nil, errors.New("invalid role: must be employee, supervisor, finance, or admin")
	}

	if _, err := s.repo.GetByUsername(ctx, req.Username); err == nil {
		return nil, errors.New("username already exists")
	}

	supervisorID, err := parseOptionalID(req.SupervisorID)
	if err != nil {
		return nil, errors.New("invalid supervisor_id")
	}
	financeApproverID, err := parseOptionalID(req.FinanceApproverID)
	if err != nil {
		return nil, errors.New("invalid finance_approver_id")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.New("failed to hash password")
	}

	employee := &model.Employee{
		Username:          req.Username,
		FullName:          req.FullName,
		Password:          string(hashedPassword),
		Role:              req.Role,
		CostCenter:        req.CostCenter,
		SupervisorID:      supervisorID,
		FinanceApproverID: financeApproverID,
	}

	if err := s.repo.Create(ctx, employee); err != nil {
		return nil, err
	}

	return mapToEmployeeResponse(employee), nil
}

func (s *employeeService) UpdateReviewers(ctx context.Context, id string, req UpdateReviewersRequest) (*EmployeeResponse, error) {
	employee, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, errors.New("employee not found")
	}

	if req.SupervisorID != nil {
		supervisorID, err := parseOptionalID(*req.SupervisorID)
		if err != nil {
			return nil, errors.New("invalid supervisor_id")
		}
		employee.SupervisorID = supervisorID
	}
	if req.FinanceApproverID != nil {
		financeApproverID, err := parseOptionalID(*req.FinanceApproverID)
		if err != nil {
			return nil, errors.New("invalid finance_approver_id")
		}
		employee.FinanceApproverID = financeApproverID
	}

	if err := s.repo.Update(ctx, employee); err != nil {
		return nil, err
	}

	return mapToEmployeeResponse(employee), nil
}

func (s *employeeService) Login(ctx context.Context, req LoginRequest) (*TokenResponse, error) {
	employee, err := s.repo.GetByUsername(ctx, req.Username)
	if err != nil {
		return nil, errors.New("invalid username or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(employee.Password), []byte(req.Password)); err != nil {
		return nil, errors.New("invalid username or password")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  employee.ID.String(),
		"role": employee.Role,
		"exp":  time.Now().Add(24 * time.Hour).Unix(),
	})

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "default_super_secret_key"
	}

	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return nil, errors.New("failed to generate token")
	}

	return &TokenResponse{Token: tokenString}, nil
}

func (s *employeeService) GetEmployeeByID(ctx context.Context, id string) (*EmployeeResponse, error) {
	employee, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, errors.New("employee not found")
	}
	return mapToEmployeeResponse(employee), nil
}

func (s *employeeService) ListEmployees(ctx context.Context, page, limit int) ([]EmployeeResponse, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	employees, total, err := s.repo.List(ctx, page, limit)
	if err != nil {
		return nil, 0, err
	}

	responses := make([]EmployeeResponse, 0, len(employees))
	for _, e := range employees {
		responses = append(responses, *mapToEmployeeResponse(&e))
	}

	return responses, total, nil
}
