package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tradeops/helmsman/pkg/client"
)

var serverAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:8080", "Orchestrator API address")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(canaryCmd)
	rootCmd.AddCommand(productionCmd)
	rootCmd.AddCommand(recoveryCmd)
	rootCmd.AddCommand(approvalCmd)
}

func apiClient() *client.Client {
	return client.NewClient(serverAddr)
}

// printJSON renders any API response as indented JSON on stdout
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator health",
	RunE: func(cmd *cobra.Command, args []string) error {
		health, err := apiClient().Health()
		if err != nil {
			return err
		}
		return printJSON(health)
	},
}

// Canary commands
var canaryCmd = &cobra.Command{
	Use:   "canary",
	Short: "Manage canary deployments",
}

var canaryLaunchCmd = &cobra.Command{
	Use:   "launch STRATEGY_ID",
	Short: "Launch a new canary deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetString("version")
		initial, _ := cmd.Flags().GetInt("initial-traffic")
		target, _ := cmd.Flags().GetInt("target-traffic")
		ramp, _ := cmd.Flags().GetString("ramp-duration")

		dep, err := apiClient().LaunchCanary(&client.LaunchCanaryRequest{
			StrategyID:     args[0],
			Version:        version,
			InitialTraffic: initial,
			TargetTraffic:  target,
			RampDuration:   ramp,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Launched canary %s at %d%% traffic\n", dep.ID, dep.TrafficAllocation)
		return nil
	},
}

var canaryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List canary deployments",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := apiClient().ListCanaries()
		if err != nil {
			return err
		}
		if len(deps) == 0 {
			fmt.Println("No canary deployments")
			return nil
		}
		for _, dep := range deps {
			fmt.Printf("%s  %s@%s  %s  traffic=%d%%\n",
				dep.ID, dep.StrategyID, dep.Version, dep.Status, dep.TrafficAllocation)
		}
		return nil
	},
}

var canaryGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a canary deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dep, err := apiClient().GetCanary(args[0])
		if err != nil {
			return err
		}
		return printJSON(dep)
	},
}

var canaryPromoteCmd = &cobra.Command{
	Use:   "promote ID",
	Short: "Promote an active canary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dep, err := apiClient().PromoteCanary(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Canary %s promoted\n", dep.ID)
		return nil
	},
}

var canaryRollbackCmd = &cobra.Command{
	Use:   "rollback ID",
	Short: "Roll back an active canary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		dep, err := apiClient().RollbackCanary(args[0], reason)
		if err != nil {
			return err
		}
		fmt.Printf("Canary %s rolled back\n", dep.ID)
		return nil
	},
}

func init() {
	canaryCmd.AddCommand(canaryLaunchCmd)
	canaryCmd.AddCommand(canaryListCmd)
	canaryCmd.AddCommand(canaryGetCmd)
	canaryCmd.AddCommand(canaryPromoteCmd)
	canaryCmd.AddCommand(canaryRollbackCmd)

	canaryLaunchCmd.Flags().String("version", "", "Strategy version to deploy")
	canaryLaunchCmd.Flags().Int("initial-traffic", 5, "Initial traffic percent")
	canaryLaunchCmd.Flags().Int("target-traffic", 50, "Target traffic percent")
	canaryLaunchCmd.Flags().String("ramp-duration", "1h", "Total ramp duration")
	canaryLaunchCmd.MarkFlagRequired("version")

	canaryRollbackCmd.Flags().String("reason", "manual rollback", "Reason recorded with the rollback")
}

// Production commands
var productionCmd = &cobra.Command{
	Use:   "production",
	Short: "Manage the blue-green production slots",
}

var productionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show both production slots",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient().Production()
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var productionHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List past promotions",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := apiClient().PromotionHistory()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No promotions recorded")
			return nil
		}
		for _, record := range records {
			fmt.Printf("%s  %s@%s  %s -> %s  %s\n",
				record.ID, record.StrategyID, record.Version,
				record.SourceEnv, record.TargetEnv, record.Status)
		}
		return nil
	},
}

var productionRollbackCmd = &cobra.Command{
	Use:   "rollback VERSION",
	Short: "Switch production traffic back to the standby slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		record, err := apiClient().RollbackProduction(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Production rolled back to %s on %s\n", args[0], record.TargetEnv)
		return nil
	},
}

func init() {
	productionCmd.AddCommand(productionStatusCmd)
	productionCmd.AddCommand(productionHistoryCmd)
	productionCmd.AddCommand(productionRollbackCmd)
}

// Recovery commands
var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Snapshot state and run rollbacks",
}

var recoverySnapshotCmd = &cobra.Command{
	Use:   "snapshot DEPLOYMENT_ID STRATEGY_ID",
	Short: "Capture strategy state for later restore",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, err := apiClient().CreateSnapshot(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Snapshot %s captured (checksum %s)\n", snapshot.ID, snapshot.Checksum)
		return nil
	},
}

var recoverySimulateCmd = &cobra.Command{
	Use:   "simulate DEPLOYMENT_ID",
	Short: "Dry-run a rollback plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := targetFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		sim, err := apiClient().SimulateRollback(target)
		if err != nil {
			return err
		}
		for _, line := range sim.Narrative {
			fmt.Println(line)
		}
		return nil
	},
}

var recoveryExecuteCmd = &cobra.Command{
	Use:   "execute DEPLOYMENT_ID",
	Short: "Execute a rollback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := targetFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		resp, err := apiClient().ExecuteRollback(target)
		if err != nil {
			return err
		}
		fmt.Printf("Rollback of %s accepted (risk %s)\n", resp.DeploymentID, resp.RiskLevel)
		if resp.RiskLevel == "high" || resp.RiskLevel == "critical" {
			fmt.Println("Operator approval required; see 'helmsman approval list'")
		}
		return nil
	},
}

var recoveryHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List past rollback executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		results, err := apiClient().RollbackHistory()
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No rollbacks recorded")
			return nil
		}
		for _, result := range results {
			fmt.Printf("%s  %s  steps=%d/%d  verified=%t\n",
				result.DeploymentID, result.Status,
				result.StepsCompleted, result.StepsTotal, result.StateVerified)
		}
		return nil
	},
}

func targetFromFlags(cmd *cobra.Command, deploymentID string) (*client.RollbackTargetRequest, error) {
	strategyID, _ := cmd.Flags().GetString("strategy")
	targetVersion, _ := cmd.Flags().GetString("target-version")
	environment, _ := cmd.Flags().GetString("environment")
	return &client.RollbackTargetRequest{
		DeploymentID:  deploymentID,
		StrategyID:    strategyID,
		TargetVersion: targetVersion,
		Environment:   environment,
	}, nil
}

func init() {
	recoveryCmd.AddCommand(recoverySnapshotCmd)
	recoveryCmd.AddCommand(recoverySimulateCmd)
	recoveryCmd.AddCommand(recoveryExecuteCmd)
	recoveryCmd.AddCommand(recoveryHistoryCmd)

	for _, c := range []*cobra.Command{recoverySimulateCmd, recoveryExecuteCmd} {
		c.Flags().String("strategy", "", "Strategy the deployment belongs to")
		c.Flags().String("target-version", "", "Version to roll back to")
		c.Flags().String("environment", "canary", "Environment: canary, staging or production")
		c.MarkFlagRequired("strategy")
		c.MarkFlagRequired("target-version")
	}
}

// Approval commands
var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Manage pending rollback approvals",
}

var approvalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		approvals, err := apiClient().ListApprovals()
		if err != nil {
			return err
		}
		if len(approvals) == 0 {
			fmt.Println("No pending approvals")
			return nil
		}
		for _, a := range approvals {
			fmt.Printf("%s  %s  risk=%s  deadline=%s\n", a.ID, a.Subject, a.RiskLevel, a.Deadline)
		}
		return nil
	},
}

var approvalApproveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		if err := apiClient().Approve(args[0], actor); err != nil {
			return err
		}
		fmt.Printf("Approved %s\n", args[0])
		return nil
	},
}

var approvalRejectCmd = &cobra.Command{
	Use:   "reject ID",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		reason, _ := cmd.Flags().GetString("reason")
		if err := apiClient().Reject(args[0], actor, reason); err != nil {
			return err
		}
		fmt.Printf("Rejected %s\n", args[0])
		return nil
	},
}

func init() {
	approvalCmd.AddCommand(approvalListCmd)
	approvalCmd.AddCommand(approvalApproveCmd)
	approvalCmd.AddCommand(approvalRejectCmd)

	for _, c := range []*cobra.Command{approvalApproveCmd, approvalRejectCmd} {
		c.Flags().String("actor", "", "Operator making the decision")
		c.MarkFlagRequired("actor")
	}
	approvalRejectCmd.Flags().String("reason", "", "Reason for the rejection")
}
