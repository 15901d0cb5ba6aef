package cloud

import (
	"strconv"

	"ndi.dev/core/ndierr"
)

// Typed wrappers over the archive API surface. Each method names the path
// template it hits so the full HTTP surface is greppable in one file.

// DefaultPageSize is the page size ListAllDocumentIDs requests, and the one
// NDIQuery uses when the caller passes 0. ListDatasets and ListDocuments send
// the caller's pageSize unchanged.
const DefaultPageSize = 100

// MaxPages bounds pagination loops against a server that never returns a
// short page.
const MaxPages = 1000

func (c *Client) orgID(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if c.cfg.OrganizationID == "" {
		return "", ndierr.New(ndierr.BadArgument, "no organization id configured")
	}
	return c.cfg.OrganizationID, nil
}

// --- auth / users ---------------------------------------------------------

// ChangePassword POSTs /auth/password.
func (c *Client) ChangePassword(current, next string) error {
	_, err := c.Post("/auth/password", nil, nil,
		map[string]string{"currentPassword": current, "newPassword": next})
	return err
}

// ForgotPassword POSTs /auth/password/forgot.
func (c *Client) ForgotPassword(email string) error {
	_, err := c.Post("/auth/password/forgot", nil, nil, map[string]string{"email": email})
	return err
}

// VerifyAccount POSTs /auth/verify.
func (c *Client) VerifyAccount(email, code string) error {
	_, err := c.Post("/auth/verify", nil, nil,
		map[string]string{"email": email, "confirmationCode": code})
	return err
}

// ResendConfirmation POSTs /auth/confirmation/resend.
func (c *Client) ResendConfirmation(email string) error {
	_, err := c.Post("/auth/confirmation/resend", nil, nil, map[string]string{"email": email})
	return err
}

// CurrentUser GETs /users/me.
func (c *Client) CurrentUser() (any, error) {
	return c.Get("/users/me", nil, nil)
}

// GetUser GETs /users/{userId}.
func (c *Client) GetUser(userID string) (any, error) {
	return c.Get("/users/{userId}", map[string]string{"userId": userID}, nil)
}

// CreateUser POSTs /users.
func (c *Client) CreateUser(email, password, name string) (any, error) {
	return c.Post("/users", nil, nil,
		map[string]string{"email": email, "password": password, "name": name})
}

// --- datasets -------------------------------------------------------------

// GetDataset GETs /datasets/{datasetId}.
func (c *Client) GetDataset(datasetID string) (any, error) {
	return c.Get("/datasets/{datasetId}", map[string]string{"datasetId": datasetID}, nil)
}

// ListDatasets GETs one page of /organizations/{organizationId}/datasets.
func (c *Client) ListDatasets(organizationID string, page, pageSize int) (any, error) {
	org, err := c.orgID(organizationID)
	if err != nil {
		return nil, err
	}
	return c.Get("/organizations/{organizationId}/datasets",
		map[string]string{"organizationId": org},
		map[string]string{"page": strconv.Itoa(page), "pageSize": strconv.Itoa(pageSize)})
}

// CreateDataset POSTs /organizations/{organizationId}/datasets.
func (c *Client) CreateDataset(organizationID string, metadata map[string]any) (any, error) {
	org, err := c.orgID(organizationID)
	if err != nil {
		return nil, err
	}
	return c.Post("/organizations/{organizationId}/datasets",
		map[string]string{"organizationId": org}, nil, metadata)
}

// UpdateDataset POSTs /datasets/{datasetId}.
func (c *Client) UpdateDataset(datasetID string, metadata map[string]any) (any, error) {
	return c.Post("/datasets/{datasetId}", map[string]string{"datasetId": datasetID}, nil, metadata)
}

// DeleteDataset soft-deletes via DELETE /datasets/{datasetId}?when=....
func (c *Client) DeleteDataset(datasetID, when string) error {
	query := map[string]string{}
	if when != "" {
		query["when"] = when
	}
	_, err := c.Delete("/datasets/{datasetId}", map[string]string{"datasetId": datasetID}, query)
	return err
}

// UndeleteDataset POSTs /datasets/{datasetId}/undelete.
func (c *Client) UndeleteDataset(datasetID string) error {
	_, err := c.Post("/datasets/{datasetId}/undelete", map[string]string{"datasetId": datasetID}, nil, nil)
	return err
}

// DatasetLifecycle POSTs /datasets/{datasetId}/{action} for publish,
// unpublish, submit, and branch.
func (c *Client) DatasetLifecycle(datasetID, action string) (any, error) {
	switch action {
	case "publish", "unpublish", "submit", "branch":
	default:
		return nil, ndierr.Newf(ndierr.BadArgument, "unknown dataset lifecycle action %q", action)
	}
	return c.Post("/datasets/{datasetId}/"+action, map[string]string{"datasetId": datasetID}, nil, nil)
}

// --- documents ------------------------------------------------------------

// ListDocuments GETs one page of /datasets/{datasetId}/documents.
func (c *Client) ListDocuments(datasetID string, page, pageSize int) (any, error) {
	return c.Get("/datasets/{datasetId}/documents",
		map[string]string{"datasetId": datasetID},
		map[string]string{"page": strconv.Itoa(page), "pageSize": strconv.Itoa(pageSize)})
}

// ListAllDocumentIDs pages through the dataset's document listing until a
// short page, bounded by MaxPages, collecting document ids.
func (c *Client) ListAllDocumentIDs(datasetID string) ([]string, error) {
	var ids []string
	for page := 1; page <= MaxPages; page++ {
		raw, err := c.ListDocuments(datasetID, page, DefaultPageSize)
		if err != nil {
			return nil, err
		}
		batch := documentIDsFromListing(raw)
		ids = append(ids, batch...)
		if len(batch) < DefaultPageSize {
			break
		}
	}
	return ids, nil
}

// documentIDsFromListing digs ids out of a listing page, accepting both a
// bare array and a {documents: [...]} envelope.
func documentIDsFromListing(raw any) []string {
	var entries []any
	switch shaped := raw.(type) {
	case []any:
		entries = shaped
	case map[string]any:
		if docs, ok := shaped["documents"].([]any); ok {
			entries = docs
		}
	}
	var ids []string
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := m["ndiId"].(string); ok && id != "" {
			ids = append(ids, id)
			continue
		}
		if id, ok := m["id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// GetDocument GETs /datasets/{datasetId}/documents/{documentId}.
func (c *Client) GetDocument(datasetID, documentID string) (any, error) {
	return c.Get("/datasets/{datasetId}/documents/{documentId}",
		map[string]string{"datasetId": datasetID, "documentId": documentID}, nil)
}

// PostDocument POSTs /datasets/{datasetId}/documents.
func (c *Client) PostDocument(datasetID string, doc any) (any, error) {
	return c.Post("/datasets/{datasetId}/documents",
		map[string]string{"datasetId": datasetID}, nil, doc)
}

// DeleteDocument DELETEs /datasets/{datasetId}/documents/{documentId}.
func (c *Client) DeleteDocument(datasetID, documentID string) error {
	_, err := c.Delete("/datasets/{datasetId}/documents/{documentId}",
		map[string]string{"datasetId": datasetID, "documentId": documentID}, nil)
	return err
}

// BulkUploadURL POSTs /datasets/{datasetId}/documents/bulk-upload and
// returns the presigned target for a zip of documents.
func (c *Client) BulkUploadURL(datasetID string) (string, error) {
	raw, err := c.do("POST", "/datasets/{datasetId}/documents/bulk-upload", requestOpts{
		pathParams: map[string]string{"datasetId": datasetID},
		timeout:    BulkTimeout,
	})
	if err != nil {
		return "", err
	}
	return urlFromResponse(raw, "url")
}

// BulkDownloadURL POSTs /datasets/{datasetId}/documents/bulk-download.
func (c *Client) BulkDownloadURL(datasetID string, documentIDs []string) (string, error) {
	raw, err := c.do("POST", "/datasets/{datasetId}/documents/bulk-download", requestOpts{
		pathParams: map[string]string{"datasetId": datasetID},
		body:       map[string]any{"documentIds": documentIDs},
		timeout:    BulkTimeout,
	})
	if err != nil {
		return "", err
	}
	return urlFromResponse(raw, "url")
}

// BulkDelete POSTs /datasets/{datasetId}/documents/bulk-delete.
func (c *Client) BulkDelete(datasetID string, documentIDs []string) error {
	_, err := c.Post("/datasets/{datasetId}/documents/bulk-delete",
		map[string]string{"datasetId": datasetID}, nil,
		map[string]any{"documentIds": documentIDs})
	return err
}

func urlFromResponse(raw any, key string) (string, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return "", ndierr.New(ndierr.ApiError, "unexpected presigned-url response shape")
	}
	u, _ := m[key].(string)
	if u == "" {
		return "", ndierr.Newf(ndierr.ApiError, "presigned-url response carries no %q", key)
	}
	return u, nil
}

// --- files ----------------------------------------------------------------

// GetFileUploadURL GETs /datasets/{organizationId}/{datasetId}/files/{file_uid}.
func (c *Client) GetFileUploadURL(organizationID, datasetID, fileUID string) (string, error) {
	org, err := c.orgID(organizationID)
	if err != nil {
		return "", err
	}
	raw, err := c.Get("/datasets/{organizationId}/{datasetId}/files/{file_uid}",
		map[string]string{"organizationId": org, "datasetId": datasetID, "file_uid": fileUID}, nil)
	if err != nil {
		return "", err
	}
	return urlFromResponse(raw, "url")
}

// GetFileDetail GETs /datasets/{datasetId}/files/{file_uid}/detail and
// returns the presigned downloadUrl.
func (c *Client) GetFileDetail(datasetID, fileUID string) (string, error) {
	raw, err := c.Get("/datasets/{datasetId}/files/{file_uid}/detail",
		map[string]string{"datasetId": datasetID, "file_uid": fileUID}, nil)
	if err != nil {
		return "", err
	}
	return urlFromResponse(raw, "downloadUrl")
}

// --- federated query ------------------------------------------------------

// NDIQuery POSTs /ndiquery?page=&pageSize= with a serialized query body.
func (c *Client) NDIQuery(body any, page, pageSize int) (any, error) {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	return c.Post("/ndiquery", nil,
		map[string]string{"page": strconv.Itoa(page), "pageSize": strconv.Itoa(pageSize)}, body)
}
