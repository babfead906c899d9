package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/store"
	"github.com/meridianhq/drydock/pkg/types"
)

var (
	adminUser     string
	adminPassword string
)

func init() {
	migrateCmd.Flags().StringVar(&adminUser, "admin-user", "admin",
		"username of the seeded admin account")
	migrateCmd.Flags().StringVar(&adminPassword, "admin-password", "",
		"password of the seeded admin account (skipped when empty)")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and seed the admin user",
	Long: `Applies the embedded schema DDL to the configured database and, when an
admin password is given, creates or updates the admin account. Safe to run
repeatedly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		s, err := store.NewSQL(cfg.Database.URL, cfg.Database.MaxOpenConns,
			time.Duration(cfg.Database.ConnMaxLifetime)*time.Second)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Migrate(ctx); err != nil {
			return err
		}
		fmt.Println("schema applied")

		if adminPassword == "" {
			return nil
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		u := &types.User{Username: adminUser, PasswordHash: string(hash)}
		if _, err := s.GetUser(ctx, adminUser); err == nil {
			err = s.UpdateUser(ctx, u)
		} else if direrrors.IsCode(err, direrrors.CodeNotFound) {
			err = s.CreateUser(ctx, u)
		}
		if err != nil {
			return err
		}
		fmt.Printf("admin user %q seeded\n", adminUser)
		return nil
	},
}
