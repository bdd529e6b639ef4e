package storage

import (
	"fmt"
	"strings"
)

// AssetPurpose captures high-level intent for storage layout decisions.
type AssetPurpose string

const (
	PurposeDraftUpload AssetPurpose = "draft-upload"
	PurposeFinalDesign AssetPurpose = "final-design"
	PurposeReceipt     AssetPurpose = "receipt"
)

// PathParams provide required identifiers to compose storage object keys.
type PathParams struct {
	RequestID   string
	MessageID   string
	VersionID   string
	OrderNumber string
	FileName    string
}

// BuildObjectPath resolves the storage object path for the given purpose.
func BuildObjectPath(purpose AssetPurpose, params PathParams) (string, error) {
	switch purpose {
	case PurposeDraftUpload:
		return buildDraftUploadPath(params)
	case PurposeFinalDesign:
		return buildFinalDesignPath(params)
	case PurposeReceipt:
		return buildReceiptPath(params)
	default:
		return "", fmt.Errorf("storage: unsupported asset purpose %q", purpose)
	}
}

func buildDraftUploadPath(params PathParams) (string, error) {
	requestID, err := validateSegment("requestID", params.RequestID)
	if err != nil {
		return "", err
	}
	messageID, err := validateSegment("messageID", params.MessageID)
	if err != nil {
		return "", err
	}
	fileName, err := validateFileName(params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("customizations/%s/drafts/%s/%s", requestID, messageID, fileName), nil
}

func buildFinalDesignPath(params PathParams) (string, error) {
	requestID, err := validateSegment("requestID", params.RequestID)
	if err != nil {
		return "", err
	}
	versionID, err := validateSegment("versionID", params.VersionID)
	if err != nil {
		return "", err
	}
	fileName, err := validateFileName(params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("customizations/%s/final/%s/%s", requestID, versionID, fileName), nil
}

func buildReceiptPath(params PathParams) (string, error) {
	requestID, err := validateSegment("requestID", params.RequestID)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(params.FileName)
	if name == "" && params.OrderNumber != "" {
		name = fmt.Sprintf("%s.pdf", strings.TrimSpace(params.OrderNumber))
	}
	fileName, err := validateFileName(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("customizations/%s/receipts/%s", requestID, fileName), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func validateFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: fileName is required")
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: fileName contains invalid path characters")
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: fileName contains invalid traversal sequence")
	}
	return value, nil
}
