package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	apperrors "github.com/target/jobexec/internal/errors"
	"github.com/target/jobexec/internal/mocks"
	"github.com/target/jobexec/internal/observability/statsd"
)

func TestCategoryService_Enable(t *testing.T) {
	ctrl := gomock.NewController(t)
	registry := mocks.NewMockCategoryRegistry(ctrl)
	rec := &statsd.Recorder{}
	svc := MustNewCategoryService(CategoryServiceOptions{Registry: registry, Metrics: rec})

	gomock.InOrder(
		registry.EXPECT().Enable(gomock.Any(), "billing", "reports").Return(nil),
		registry.EXPECT().List(gomock.Any()).Return([]string{"reports", "billing"}, nil),
	)

	enabled, err := svc.Enable(context.Background(), " billing ", "reports", "", "billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "reports"}, enabled)
	assert.EqualValues(t, 2, rec.Total("category.change", map[string]string{"action": "enable"}))
}

func TestCategoryService_Disable(t *testing.T) {
	ctrl := gomock.NewController(t)
	registry := mocks.NewMockCategoryRegistry(ctrl)
	svc := MustNewCategoryService(CategoryServiceOptions{Registry: registry})

	registry.EXPECT().Disable(gomock.Any(), "billing").Return(nil)
	registry.EXPECT().List(gomock.Any()).Return(nil, nil)

	enabled, err := svc.Disable(context.Background(), "billing")
	require.NoError(t, err)
	assert.NotNil(t, enabled)
	assert.Empty(t, enabled)
}

func TestCategoryService_RequiresCategory(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := MustNewCategoryService(CategoryServiceOptions{Registry: mocks.NewMockCategoryRegistry(ctrl)})

	_, err := svc.Enable(context.Background(), " ", "")
	assert.True(t, apperrors.IsValidation(err))
	_, err = svc.Disable(context.Background())
	assert.True(t, apperrors.IsValidation(err))
}

func TestCategoryService_RegistryError(t *testing.T) {
	ctrl := gomock.NewController(t)
	registry := mocks.NewMockCategoryRegistry(ctrl)
	svc := MustNewCategoryService(CategoryServiceOptions{Registry: registry})

	boom := errors.New("connection refused")
	registry.EXPECT().Enable(gomock.Any(), "billing").Return(boom)

	_, err := svc.Enable(context.Background(), "billing")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "enable categories")
}

func TestNewCategoryService_RequiresRegistry(t *testing.T) {
	_, err := NewCategoryService(CategoryServiceOptions{})
	assert.Error(t, err)
}
