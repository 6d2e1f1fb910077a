package stages

import (
	"errors"
	"fmt"

	"github.com/qhub-dev/qhubctl/internal/config"
	"github.com/qhub-dev/qhubctl/internal/pipeline"
	"github.com/qhub-dev/qhubctl/internal/provider"
)

// stateImports adopts a state bucket left over from an earlier deployment so
// that re-running the state stage does not fail on existing resources.
func (c *catalog) stateImports(cfg *config.Config, _ pipeline.View) (map[string]string, error) {
	name := cfg.StateName()
	switch cfg.Provider {
	case provider.AWS:
		return map[string]string{
			"module.terraform-state.module.terraform-state.aws_s3_bucket.terraform-state":           name,
			"module.terraform-state.module.terraform-state.aws_dynamodb_table.terraform-state-lock": name + "-lock",
		}, nil
	case provider.GCP:
		return map[string]string{
			"module.terraform-state.module.gcs.google_storage_bucket.static-site": name,
		}, nil
	case provider.DigitalOcean:
		return map[string]string{
			"module.terraform-state.module.spaces.digitalocean_spaces_bucket.main": region(cfg) + "," + name,
		}, nil
	case provider.Azure:
		sub := c.opts.Environ["ARM_SUBSCRIPTION_ID"]
		if sub == "" {
			return nil, errors.New("ARM_SUBSCRIPTION_ID is not set")
		}
		group := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s", sub, cfg.StateResourceGroup())
		account := cfg.StorageAccountName()
		return map[string]string{
			"module.terraform-state.azurerm_resource_group.terraform-state-resource-group":   group,
			"module.terraform-state.azurerm_storage_account.terraform-state-storage-account": group + "/providers/Microsoft.Storage/storageAccounts/" + account,
			"module.terraform-state.azurerm_storage_container.storage_container":             fmt.Sprintf("https://%s.blob.core.windows.net/%s-state", account, cfg.DeploymentName()),
		}, nil
	}
	return nil, nil
}
