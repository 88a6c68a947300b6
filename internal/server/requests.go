package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"repairline/internal/domain"
	"repairline/internal/engine"
	"repairline/internal/reconcile"
	"repairline/internal/repo"
)

type idPath struct {
	ID uint64 `path:"id" minimum:"1"`
}

type requestBody struct {
	Body RepairRequestResponse `json:"body"`
}

type workOrderBody struct {
	Body domain.ProjectedWorkOrder `json:"body"`
}

type historyBody struct {
	Body []domain.LedgerEvent `json:"body"`
}

func requestOut(p domain.ProjectedRequest, err error) (*requestBody, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &requestBody{Body: requestResponse(p)}, nil
}

func workOrderOut(w domain.ProjectedWorkOrder, err error) (*workOrderBody, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &workOrderBody{Body: w}, nil
}

func historyOut(evts []domain.LedgerEvent, err error) (*historyBody, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &historyBody{Body: nonNilSlice(evts)}, nil
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerRepairRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-repair-request",
		Method:        http.MethodPost,
		Path:          "/repair-requests",
		Summary:       "Open a repair request on a property",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRepairRequestRequest `json:"body"`
	}) (*requestBody, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return requestOut(e.CreateRepairRequest(ctx, engine.CreateRequestOptions{
			Actor:       identity,
			PropertyID:  input.Body.PropertyID,
			Urgency:     domain.Urgency(strings.ToUpper(strings.TrimSpace(input.Body.Urgency))),
			Description: input.Body.Description,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-repair-requests",
		Method:      http.MethodGet,
		Path:        "/repair-requests",
		Summary:     "Search repair requests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		Initiator  string `query:"initiator"`
		Landlord   string `query:"landlord"`
		PropertyID string `query:"property_id"`
		Mine       bool   `query:"mine" doc:"only requests the caller is a party to"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		f := repo.RequestFilters{
			Status:     strings.ToUpper(strings.TrimSpace(input.Status)),
			Initiator:  input.Initiator,
			Landlord:   input.Landlord,
			PropertyID: strings.TrimSpace(input.PropertyID),
			Limit:      normalizeLimit(input.Limit),
		}
		if input.Mine {
			identity, authErr := identityFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			f.Party = identity
		}
		items, err := e.ListRequests(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRequests{Items: []RepairRequestResponse{}}
		for _, item := range items {
			resp.Items = append(resp.Items, requestResponse(item))
		}
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-repair-request",
		Method:      http.MethodGet,
		Path:        "/repair-requests/{id}",
		Summary:     "Get a repair request",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *idPath) (*requestBody, error) {
		return requestOut(e.GetRequest(ctx, input.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-repair-request-status",
		Method:      http.MethodPut,
		Path:        "/repair-requests/{id}/status",
		Summary:     "Move a repair request (property owner)",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   uint64              `path:"id" minimum:"1"`
		Body UpdateStatusRequest `json:"body"`
	}) (*requestBody, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		next := domain.RequestStatus(strings.ToUpper(strings.TrimSpace(input.Body.Status)))
		return requestOut(e.UpdateStatus(ctx, input.ID, identity, next))
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-repair-request",
		Method:      http.MethodPost,
		Path:        "/repair-requests/{id}/approve",
		Summary:     "Accept or refuse completed work (initiator)",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   uint64             `path:"id" minimum:"1"`
		Body ApproveWorkRequest `json:"body"`
	}) (*requestBody, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return requestOut(e.ApproveWork(ctx, input.ID, identity, input.Body.IsAccepted))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "withdraw-repair-request",
		Method:        http.MethodPost,
		Path:          "/repair-requests/{id}/withdraw",
		Summary:       "Withdraw a pending request (initiator)",
		Description:   "The projection shows CANCELLED immediately as a provisional value; the ledger confirms in the background.",
		DefaultStatus: http.StatusAccepted,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *idPath) (*requestBody, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return requestOut(e.Withdraw(ctx, input.ID, identity))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work-details",
		Method:      http.MethodPut,
		Path:        "/repair-requests/{id}/work-details",
		Summary:     "Replace the work details (property owner)",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   uint64                   `path:"id" minimum:"1"`
		Body UpdateWorkDetailsRequest `json:"body"`
	}) (*struct {
		Body ContentUpdateResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rr, receipt, err := e.UpdateWorkDetails(ctx, input.ID, engine.ContentOptions{
			Actor: identity,
			Text:  input.Body.WorkDetails,
			Base:  input.Body.BaseHash,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := requestResponse(rr)
		return &struct {
			Body ContentUpdateResponse `json:"body"`
		}{Body: ContentUpdateResponse{RepairRequest: &resp, Receipt: receipt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-repair-request-description",
		Method:      http.MethodPut,
		Path:        "/repair-requests/{id}/description",
		Summary:     "Replace the request description (initiator)",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   uint64                   `path:"id" minimum:"1"`
		Body UpdateDescriptionRequest `json:"body"`
	}) (*struct {
		Body ContentUpdateResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rr, receipt, err := e.UpdateDescription(ctx, input.ID, engine.ContentOptions{
			Actor: identity,
			Text:  input.Body.Description,
			Base:  input.Body.BaseHash,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := requestResponse(rr)
		return &struct {
			Body ContentUpdateResponse `json:"body"`
		}{Body: ContentUpdateResponse{RepairRequest: &resp, Receipt: receipt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "repair-request-history",
		Method:      http.MethodGet,
		Path:        "/repair-requests/{id}/history",
		Summary:     "Ledger event log of a repair request",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *idPath) (*historyBody, error) {
		return historyOut(e.History(ctx, domain.RequestRef(input.ID)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "repair-request-content-history",
		Method:      http.MethodGet,
		Path:        "/repair-requests/{id}/content-history",
		Summary:     "Verified overwrite chain of one content field",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID    uint64 `path:"id" minimum:"1"`
		Field string `query:"field" default:"work_details" enum:"description,work_details"`
	}) (*struct {
		Body []domain.AuditReceipt `json:"body"`
	}, error) {
		receipts, err := e.ContentHistory(ctx, domain.RequestRef(input.ID), domain.ContentField(input.Field))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditReceipt `json:"body"`
		}{Body: nonNilSlice(receipts)}, nil
	})
}

func registerWorkOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-order",
		Method:        http.MethodPost,
		Path:          "/repair-requests/{id}/work-orders",
		Summary:       "Draft a work order for a request (property owner)",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   uint64                 `path:"id" minimum:"1"`
		Body CreateWorkOrderRequest `json:"body"`
	}) (*workOrderBody, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return workOrderOut(e.CreateWorkOrder(ctx, engine.WorkOrderOptions{
			Actor:           identity,
			RepairRequestID: input.ID,
			Contractor:      input.Body.Contractor,
			AgreedPrice:     input.Body.AgreedPrice,
			Description:     input.Body.Description,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-request-work-orders",
		Method:      http.MethodGet,
		Path:        "/repair-requests/{id}/work-orders",
		Summary:     "List the work orders of a request",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body paginatedWorkOrders `json:"body"`
	}, error) {
		items, err := e.ListWorkOrders(ctx, repo.WorkOrderFilters{RepairRequestID: input.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedWorkOrders `json:"body"`
		}{Body: paginatedWorkOrders{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-orders",
		Method:      http.MethodGet,
		Path:        "/work-orders",
		Summary:     "Search work orders",
	}, func(ctx context.Context, input *struct {
		Contractor string `query:"contractor"`
		Landlord   string `query:"landlord"`
		Status     string `query:"status" enum:"DRAFT,SIGNED"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedWorkOrders `json:"body"`
	}, error) {
		items, err := e.ListWorkOrders(ctx, repo.WorkOrderFilters{
			Contractor: input.Contractor,
			Landlord:   input.Landlord,
			Status:     input.Status,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedWorkOrders `json:"body"`
		}{Body: paginatedWorkOrders{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-order",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}",
		Summary:     "Get a work order",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *idPath) (*workOrderBody, error) {
		return workOrderOut(e.GetWorkOrder(ctx, input.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/sign",
		Summary:     "Sign a draft work order (landlord or contractor)",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *idPath) (*workOrderBody, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return workOrderOut(e.SignWorkOrder(ctx, input.ID, identity))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work-order-description",
		Method:      http.MethodPut,
		Path:        "/work-orders/{id}/description",
		Summary:     "Replace a draft work order's description",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   uint64                   `path:"id" minimum:"1"`
		Body UpdateDescriptionRequest `json:"body"`
	}) (*struct {
		Body ContentUpdateResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wo, receipt, err := e.UpdateWorkOrderDescription(ctx, input.ID, engine.ContentOptions{
			Actor: identity,
			Text:  input.Body.Description,
			Base:  input.Body.BaseHash,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContentUpdateResponse `json:"body"`
		}{Body: ContentUpdateResponse{WorkOrder: &wo, Receipt: receipt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-order-history",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}/history",
		Summary:     "Ledger event log of a work order",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *idPath) (*historyBody, error) {
		return historyOut(e.History(ctx, domain.WorkOrderRef(input.ID)))
	})
}

func registerContents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-content",
		Method:      http.MethodGet,
		Path:        "/contents/{hash}",
		Summary:     "Fetch an off-ledger text body by its hash",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Hash string `path:"hash"`
	}) (*struct {
		Body ContentResponse `json:"body"`
	}, error) {
		body, err := e.Content(ctx, input.Hash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContentResponse `json:"body"`
		}{Body: ContentResponse{Hash: input.Hash, Body: body}}, nil
	})
}

// registerWatch exposes the reconciliation loops: a caller can subscribe its
// own loop for an entity, inspect every loop on it, and force a sync.
func registerWatch(api huma.API, e engine.Engine, rec *reconcile.Reconciler) {
	for _, kind := range []domain.EntityKind{domain.KindRepairRequest, domain.KindWorkOrder} {
		registerWatchFor(api, e, rec, kind)
	}
}

func registerWatchFor(api huma.API, e engine.Engine, rec *reconcile.Reconciler, kind domain.EntityKind) {
	prefix := "/repair-requests/{id}"
	if kind == domain.KindWorkOrder {
		prefix = "/work-orders/{id}"
	}
	slug := strings.ReplaceAll(string(kind), "_", "-")
	label := strings.ToLower(kind.Title())
	ref := func(id uint64) domain.EntityRef { return domain.EntityRef{Kind: kind, ID: id} }

	syncState := func(ctx context.Context, id uint64) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if rec == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "reconciliation is not running", nil)
		}
		r := ref(id)
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: SyncResponse{
			Ref:        r,
			Subscribed: rec.Subscribed(reconcile.Key{Subscriber: identity, Ref: r}),
			Pending:    e.Gateway.InFlight(r),
			Loops:      nonNilSlice(rec.Statuses(&r)),
		}}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "watch-" + slug,
		Method:      http.MethodPut,
		Path:        prefix + "/watch",
		Summary:     "Start reconciling this " + label + " for the caller",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if rec == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "reconciliation is not running", nil)
		}
		// the entity must exist before a loop polls it
		if _, err := e.Gateway.Get(ctx, ref(input.ID)); err != nil {
			return nil, handleError(err)
		}
		rec.Subscribe(reconcile.Key{Subscriber: identity, Ref: ref(input.ID)})
		return syncState(ctx, input.ID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "unwatch-" + slug,
		Method:      http.MethodDelete,
		Path:        prefix + "/watch",
		Summary:     "Stop the caller's reconciliation loop",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if rec == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "reconciliation is not running", nil)
		}
		if !rec.Unsubscribe(reconcile.Key{Subscriber: identity, Ref: ref(input.ID)}) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "not watching "+ref(input.ID).String(), nil)
		}
		return syncState(ctx, input.ID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-state-" + slug,
		Method:      http.MethodGet,
		Path:        prefix + "/sync",
		Summary:     "Reconciliation state of every loop on this " + label,
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		return syncState(ctx, input.ID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-" + slug,
		Method:      http.MethodPost,
		Path:        prefix + "/sync",
		Summary:     "Pull this " + label + " from the ledger now",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		snap, err := e.Sync(ctx, ref(input.ID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})
}
