// Package restapi exposes the operator surface of the coordinator: read
// access to transaction state and manual rollback of stuck transactions.
package restapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/tc"
)

type API struct {
	coord   *tc.Coordinator
	methods map[string]RestMethod
}

func New(coord *tc.Coordinator) *API {
	a := &API{coord: coord, methods: make(map[string]RestMethod)}
	a.register(GET, "/health", a.health)
	a.register(GET, "/transactions", a.listTransactions)
	a.register(GET, "/transactions/:xid", a.getTransaction)
	a.register(GET, "/branches/failed", a.listFailedBranches)
	a.register(POST, "/transactions/:xid/rollback", a.rollbackTransaction)
	return a
}

// Routes mounts the operator endpoints on a gin engine.
func (a *API) Routes(r *gin.Engine) {
	a.mount(r)
}

// Engine builds a ready-to-serve engine with the routes mounted.
func (a *API) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	a.Routes(r)
	return r
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type globalView struct {
	Xid             string `json:"xid"`
	Status          string `json:"status"`
	ApplicationID   string `json:"applicationId"`
	TransactionName string `json:"transactionName"`
	TimeoutMs       int64  `json:"timeoutMs"`
	BeginTimeMs     int64  `json:"beginTimeMs"`
	AgeMs           int64  `json:"ageMs"`
}

func toGlobalView(g *dtx.GlobalTransaction) globalView {
	return globalView{
		Xid:             g.Xid,
		Status:          g.Status.String(),
		ApplicationID:   g.ApplicationID,
		TransactionName: g.TransactionName,
		TimeoutMs:       g.TimeoutMs,
		BeginTimeMs:     g.BeginTimeMs,
		AgeMs:           dtx.NowMs() - g.BeginTimeMs,
	}
}

type branchView struct {
	BranchID   int64  `json:"branchId"`
	Xid        string `json:"xid"`
	Status     string `json:"status"`
	BranchType string `json:"branchType"`
	ResourceID string `json:"resourceId"`
}

func toBranchView(b *dtx.BranchTransaction) branchView {
	return branchView{
		BranchID:   b.BranchID,
		Xid:        b.Xid,
		Status:     b.Status.String(),
		BranchType: b.BranchType.String(),
		ResourceID: b.ResourceID,
	}
}

// listTransactions returns non-terminal globals, optionally only those
// older than stuckOlderThanMs.
func (a *API) listTransactions(c *gin.Context) {
	before := dtx.NowMs()
	if v := c.Query("stuckOlderThanMs"); v != "" {
		age, err := strconv.ParseInt(v, 10, 64)
		if err != nil || age < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "stuckOlderThanMs must be a non-negative integer"})
			return
		}
		before -= age
	}
	globals, err := a.coord.Store().ListNonTerminalGlobals(c.Request.Context(), before)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]globalView, 0, len(globals))
	for _, g := range globals {
		out = append(out, toGlobalView(g))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}

func (a *API) getTransaction(c *gin.Context) {
	xid := c.Param("xid")
	g, err := a.coord.Store().GetGlobal(c.Request.Context(), xid)
	if err != nil {
		status := http.StatusInternalServerError
		if dtx.IsCode(err, dtx.ErrGlobalNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	branches, err := a.coord.Store().ListBranches(c.Request.Context(), xid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	bv := make([]branchView, 0, len(branches))
	for _, b := range branches {
		bv = append(bv, toBranchView(b))
	}
	c.JSON(http.StatusOK, gin.H{"transaction": toGlobalView(g), "branches": bv})
}

func (a *API) listFailedBranches(c *gin.Context) {
	branches, err := a.coord.Store().ListFailedBranches(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]branchView, 0, len(branches))
	for _, b := range branches {
		out = append(out, toBranchView(b))
	}
	c.JSON(http.StatusOK, gin.H{"branches": out})
}

func (a *API) rollbackTransaction(c *gin.Context) {
	xid := c.Param("xid")
	status, err := a.coord.GlobalRollback(c.Request.Context(), xid)
	if err != nil {
		httpStatus := http.StatusInternalServerError
		switch {
		case dtx.IsCode(err, dtx.ErrGlobalNotFound):
			httpStatus = http.StatusNotFound
		case dtx.IsCode(err, dtx.ErrGlobalNotActive):
			httpStatus = http.StatusConflict
		}
		c.JSON(httpStatus, gin.H{"error": err.Error(), "status": status.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"xid": xid, "status": status.String()})
}
