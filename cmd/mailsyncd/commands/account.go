package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	acctName     string
	acctEmail    string
	acctDomain   string
	acctUsername string
	acctPassword string
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage configured accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a mail account",
	RunE:  accountAdd,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	RunE:  accountList,
}

func accountAdd(cmd *cobra.Command, _ []string) error {
	if acctEmail == "" || acctDomain == "" || acctUsername == "" {
		return fmt.Errorf("--email, --domain and --user are required")
	}
	if acctName == "" {
		acctName = acctEmail
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	acct, err := st.CreateAccount(ctx, acctName, acctEmail, acctDomain)
	if err != nil {
		return err
	}

	err = st.UpdateCredential(ctx, acct.ID, acctUsername, acctPassword)
	if err != nil {
		return err
	}

	fmt.Printf("account %d (%s) added\n", acct.ID, acct.EmailAddress)

	return nil
}

func accountList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	accounts, err := st.ListAccounts(cmd.Context())
	if err != nil {
		return err
	}

	if len(accounts) == 0 {
		fmt.Println("no accounts configured")

		return nil
	}

	for _, acct := range accounts {
		fmt.Printf("%d\t%s\t%s\n", acct.ID, acct.Name,
			acct.EmailAddress)
	}

	return nil
}

func init() {
	accountAddCmd.Flags().StringVar(&acctName, "name", "",
		"Display name (defaults to the email address)")
	accountAddCmd.Flags().StringVar(&acctEmail, "email", "",
		"Email address")
	accountAddCmd.Flags().StringVar(&acctDomain, "domain", "",
		"Mail domain used for endpoint discovery")
	accountAddCmd.Flags().StringVar(&acctUsername, "user", "",
		"Server username")
	accountAddCmd.Flags().StringVar(&acctPassword, "password", "",
		"Server password")

	accountCmd.AddCommand(accountAddCmd)
	accountCmd.AddCommand(accountListCmd)
}
