package http

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/kandev/sessiond/internal/common/coreerr"
)

// problem is the Problem+JSON body every error response carries.
type problem struct {
	Type   string              `json:"type"`
	Title  string              `json:"title"`
	Status int                 `json:"status"`
	Detail string              `json:"detail"`
	Errors map[string][]string `json:"errors,omitempty"`
}

// problemTypeBase namespaces every error "type" URI this adapter produces.
const problemTypeBase = "https://sessiond.dev/problems/"

var problemTitles = map[coreerr.Kind]string{
	coreerr.ValidationFailed:    "Validation Failed",
	coreerr.ConflictingState:    "Conflicting State",
	coreerr.NotFound:            "Not Found",
	coreerr.RepoUnavailable:     "Repository Unavailable",
	coreerr.ProvisioningFailed:  "Provisioning Failed",
	coreerr.NoProvider:          "No Snapshot Provider Available",
	coreerr.Capacity:            "Capacity Exceeded",
	coreerr.Transient:           "Transient Failure",
	coreerr.Internal:            "Internal Error",
	coreerr.BackpressureLost:    "Subscriber Disconnected",
	coreerr.IdempotencyConflict: "Idempotency Key Conflict",
}

// writeError serializes err as a Problem+JSON body with the status code
// coreerr.Error.HTTPStatus() assigns its kind. Any error that isn't (or
// doesn't wrap) a *coreerr.Error is treated as Internal.
func writeError(c *gin.Context, err error) {
	var ce *coreerr.Error
	if !errors.As(err, &ce) {
		ce = coreerr.InternalErr("unexpected error", err)
	}

	title, ok := problemTitles[ce.Kind]
	if !ok {
		title = "Error"
	}

	c.JSON(ce.HTTPStatus(), problem{
		Type:   problemTypeBase + string(ce.Kind),
		Title:  title,
		Status: ce.HTTPStatus(),
		Detail: ce.Message,
		Errors: ce.Fields,
	})
}
