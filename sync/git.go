package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"tessera/apperr"
	"tessera/models"
)

// PushResult reports the git-friendly YAML export.
type PushResult struct {
	Status   string `json:"status"`
	Path     string `json:"path"`
	Exported struct {
		Teams     int `json:"teams"`
		Assets    int `json:"assets"`
		Contracts int `json:"contracts"`
	} `json:"exported"`
}

// PullResult reports the YAML import.
type PullResult struct {
	Status   string `json:"status"`
	Imported struct {
		Teams     int `json:"teams"`
		Assets    int `json:"assets"`
		Contracts int `json:"contracts"`
	} `json:"imported"`
	Warnings []string `json:"warnings"`
}

type teamExport struct {
	ID       string         `yaml:"id"`
	Name     string         `yaml:"name"`
	Metadata map[string]any `yaml:"metadata"`
}

type registrationExport struct {
	ID             string `yaml:"id"`
	ConsumerTeamID string `yaml:"consumer_team_id"`
	PinnedVersion  string `yaml:"pinned_version,omitempty"`
	Status         string `yaml:"status"`
}

type contractExport struct {
	ID                string               `yaml:"id"`
	Version           string               `yaml:"version"`
	Schema            map[string]any       `yaml:"schema"`
	CompatibilityMode string               `yaml:"compatibility_mode"`
	Guarantees        map[string]any       `yaml:"guarantees,omitempty"`
	Status            string               `yaml:"status"`
	Registrations     []registrationExport `yaml:"registrations"`
}

type assetExport struct {
	ID          string           `yaml:"id"`
	FQN         string           `yaml:"fqn"`
	Environment string           `yaml:"environment"`
	OwnerTeamID string           `yaml:"owner_team_id"`
	Metadata    map[string]any   `yaml:"metadata"`
	Contracts   []contractExport `yaml:"contracts"`
}

// Push exports teams and assets (with contracts and registrations) to YAML
// files under the configured git sync path:
//
//	{path}/teams/{team_name}.yaml
//	{path}/assets/{fqn_escaped}.yaml
func (s *Service) Push(ctx context.Context, syncPath string) (*PushResult, error) {
	root, err := requireSyncPath(syncPath)
	if err != nil {
		return nil, err
	}
	teamsPath := filepath.Join(root, "teams")
	assetsPath := filepath.Join(root, "assets")
	for _, dir := range []string{root, teamsPath, assetsPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sync directory: %w", err)
		}
	}

	db := s.db.WithContext(ctx)
	result := &PushResult{Status: "success", Path: root}

	var teams []models.Team
	if err := db.Find(&teams).Error; err != nil {
		return nil, err
	}
	for _, team := range teams {
		data, err := yaml.Marshal(teamExport{
			ID:       team.ID.String(),
			Name:     team.Name,
			Metadata: models.JSONMap(team.Metadata),
		})
		if err != nil {
			return nil, err
		}
		file := filepath.Join(teamsPath, team.Name+".yaml")
		if err := os.WriteFile(file, data, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", file, err)
		}
		result.Exported.Teams++
	}

	var assets []models.Asset
	if err := db.Find(&assets).Error; err != nil {
		return nil, err
	}
	for _, asset := range assets {
		var contractRows []models.Contract
		if err := db.Where("asset_id = ?", asset.ID).Order("created_at").Find(&contractRows).Error; err != nil {
			return nil, err
		}
		exports := make([]contractExport, 0, len(contractRows))
		for _, contract := range contractRows {
			var regs []models.Registration
			if err := db.Where("contract_id = ?", contract.ID).Find(&regs).Error; err != nil {
				return nil, err
			}
			regExports := make([]registrationExport, 0, len(regs))
			for _, reg := range regs {
				regExports = append(regExports, registrationExport{
					ID:             reg.ID.String(),
					ConsumerTeamID: reg.ConsumerTeamID.String(),
					PinnedVersion:  reg.PinnedVersion,
					Status:         string(reg.Status),
				})
			}
			exports = append(exports, contractExport{
				ID:                contract.ID.String(),
				Version:           contract.Version,
				Schema:            models.JSONMap(contract.SchemaDef),
				CompatibilityMode: string(contract.CompatibilityMode),
				Guarantees:        models.JSONMap(contract.Guarantees),
				Status:            string(contract.Status),
				Registrations:     regExports,
			})
			result.Exported.Contracts++
		}

		data, err := yaml.Marshal(assetExport{
			ID:          asset.ID.String(),
			FQN:         asset.FQN,
			Environment: asset.Environment,
			OwnerTeamID: asset.OwnerTeamID.String(),
			Metadata:    models.JSONMap(asset.Metadata),
			Contracts:   exports,
		})
		if err != nil {
			return nil, err
		}
		escaped := strings.NewReplacer("/", "__", ".", "_").Replace(asset.FQN)
		file := filepath.Join(assetsPath, escaped+".yaml")
		if err := os.WriteFile(file, data, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", file, err)
		}
		result.Exported.Assets++
	}
	return result, nil
}

// Pull imports YAML files produced by Push. Teams are matched by id, assets
// by FQN; existing rows are updated in place, new rows created. Contract
// status only moves away from active: a locally active contract takes the
// file's status, and one already deprecated or withdrawn locally is never
// reactivated from a file.
func (s *Service) Pull(ctx context.Context, syncPath string) (*PullResult, error) {
	root, err := requireSyncPath(syncPath)
	if err != nil {
		return nil, err
	}

	result := &PullResult{Status: "success", Warnings: []string{}}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		teamFiles, _ := filepath.Glob(filepath.Join(root, "teams", "*.yaml"))
		for _, file := range teamFiles {
			var export teamExport
			if err := readYAML(file, &export); err != nil {
				appendCapped(&result.Warnings, fmt.Sprintf("%s: %v", filepath.Base(file), err))
				continue
			}
			teamID, err := uuid.Parse(export.ID)
			if err != nil {
				appendCapped(&result.Warnings, fmt.Sprintf("%s: invalid team id", filepath.Base(file)))
				continue
			}
			var team models.Team
			if err := tx.First(&team, "id = ?", teamID).Error; err == nil {
				team.Name = export.Name
				team.Metadata = models.JSON(export.Metadata)
				team.UpdatedAt = s.now().UTC()
				if err := tx.Save(&team).Error; err != nil {
					return err
				}
			} else {
				now := s.now().UTC()
				team = models.Team{
					ID:        teamID,
					Name:      export.Name,
					Metadata:  models.JSON(export.Metadata),
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := tx.Create(&team).Error; err != nil {
					return err
				}
			}
			result.Imported.Teams++
		}

		assetFiles, _ := filepath.Glob(filepath.Join(root, "assets", "*.yaml"))
		for _, file := range assetFiles {
			var export assetExport
			if err := readYAML(file, &export); err != nil {
				appendCapped(&result.Warnings, fmt.Sprintf("%s: %v", filepath.Base(file), err))
				continue
			}
			ownerTeamID, err := uuid.Parse(export.OwnerTeamID)
			if err != nil {
				appendCapped(&result.Warnings, fmt.Sprintf("%s: invalid owner team id", filepath.Base(file)))
				continue
			}
			environment := export.Environment
			if environment == "" {
				environment = models.DefaultEnvironment
			}

			asset, err := assetByFQN(tx, export.FQN)
			if err != nil {
				return err
			}
			now := s.now().UTC()
			if asset == nil {
				assetID, err := uuid.Parse(export.ID)
				if err != nil {
					assetID = uuid.New()
				}
				asset = &models.Asset{
					ID:          assetID,
					FQN:         export.FQN,
					Environment: environment,
					OwnerTeamID: ownerTeamID,
					Metadata:    models.JSON(export.Metadata),
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := tx.Create(asset).Error; err != nil {
					return err
				}
			} else {
				asset.OwnerTeamID = ownerTeamID
				asset.Metadata = models.JSON(export.Metadata)
				asset.UpdatedAt = now
				if err := tx.Save(asset).Error; err != nil {
					return err
				}
			}
			result.Imported.Assets++

			for _, contractData := range export.Contracts {
				contractID, err := uuid.Parse(contractData.ID)
				if err != nil {
					appendCapped(&result.Warnings, fmt.Sprintf("%s: invalid contract id", export.FQN))
					continue
				}
				var existing models.Contract
				if err := tx.First(&existing, "id = ?", contractID).Error; err == nil {
					existing.SchemaDef = models.JSON(contractData.Schema)
					existing.Guarantees = models.JSON(contractData.Guarantees)
					// Deprecated and withdrawn contracts stay terminal.
					if existing.Status == models.ContractActive && contractData.Status != string(models.ContractActive) {
						existing.Status = models.ContractStatus(contractData.Status)
					}
					existing.UpdatedAt = now
					if err := tx.Save(&existing).Error; err != nil {
						return err
					}
				} else {
					contract := models.Contract{
						ID:                contractID,
						AssetID:           asset.ID,
						Version:           contractData.Version,
						SchemaDef:         models.JSON(contractData.Schema),
						SchemaFormat:      models.DefaultSchemaFormat,
						CompatibilityMode: models.CompatibilityMode(contractData.CompatibilityMode),
						Guarantees:        models.JSON(contractData.Guarantees),
						Status:            models.ContractStatus(contractData.Status),
						PublishedBy:       ownerTeamID,
						CreatedAt:         now,
						UpdatedAt:         now,
					}
					if err := tx.Create(&contract).Error; err != nil {
						return err
					}
				}
				result.Imported.Contracts++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func requireSyncPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", apperr.New(apperr.BadRequest,
			"git sync path not configured; set the TESSERA_GIT_SYNC_PATH environment variable")
	}
	return trimmed, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
