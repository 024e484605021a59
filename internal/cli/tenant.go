package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/Freight/internal/domain"
)

// NewTenantCmd создаёт группу команд для управления tenants.
func NewTenantCmd(backendFn BackendFunc, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	cmd.AddCommand(
		newTenantCreateCmd(backendFn, outputFn),
		newTenantListCmd(backendFn, outputFn),
		newTenantShowCmd(backendFn, outputFn),
		newTenantStatusCmd(backendFn, outputFn, "suspend", domain.TenantStatusSuspended, "Suspend a tenant (new jobs are rejected)"),
		newTenantStatusCmd(backendFn, outputFn, "activate", domain.TenantStatusActive, "Activate a suspended tenant"),
	)

	return cmd
}

func newTenantCreateCmd(backendFn BackendFunc, outputFn func() *Output) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := uuid.New()
			if id != "" {
				var err error
				if tenantID, err = parseID("tenant", id); err != nil {
					return err
				}
			}

			backend, err := backendFn(cmd)
			if err != nil {
				return err
			}

			t := &domain.Tenant{
				ID:        tenantID,
				Name:      args[0],
				Status:    domain.TenantStatusActive,
				CreatedAt: time.Now().UTC(),
			}
			if err := backend.Tenants.CreateTenant(cmd.Context(), t); err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Tenant created: %s", t.ID))
			printTenants(out, []domain.Tenant{*t})
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Tenant ID (generated if not specified)")

	return cmd
}

func newTenantListCmd(backendFn BackendFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := backendFn(cmd)
			if err != nil {
				return err
			}

			tenants, err := backend.Tenants.ListTenants(cmd.Context())
			if err != nil {
				return err
			}

			printTenants(outputFn(), tenants)
			return nil
		},
	}
}

func newTenantShowCmd(backendFn BackendFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show TENANT_ID",
		Short: "Show tenant details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := parseID("tenant", args[0])
			if err != nil {
				return err
			}
			backend, err := backendFn(cmd)
			if err != nil {
				return err
			}

			t, err := backend.Tenants.GetTenant(cmd.Context(), tenantID)
			if err != nil {
				return err
			}

			printTenants(outputFn(), []domain.Tenant{*t})
			return nil
		},
	}
}

func newTenantStatusCmd(backendFn BackendFunc, outputFn func() *Output, use string, status domain.TenantStatus, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " TENANT_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := parseID("tenant", args[0])
			if err != nil {
				return err
			}
			backend, err := backendFn(cmd)
			if err != nil {
				return err
			}

			t, err := backend.Tenants.SetTenantStatus(cmd.Context(), tenantID, status)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Tenant %s is %s", t.ID, t.Status))
			printTenants(out, []domain.Tenant{*t})
			return nil
		},
	}
}

func printTenants(out *Output, tenants []domain.Tenant) {
	headers := []string{"ID", "NAME", "STATUS", "CREATED"}
	rows := make([][]string, len(tenants))
	for i, t := range tenants {
		rows[i] = []string{t.ID.String(), t.Name, string(t.Status), formatTime(&t.CreatedAt)}
	}
	out.Print(headers, rows, tenants)
}
