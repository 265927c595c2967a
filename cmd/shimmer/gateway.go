package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	shimmer "github.com/alexdcox/shimmer-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var errBadRequest = errors.New("bad request")

// Gateway serves node api reads from the client's node set. With quorum
// configured, ledger reads only succeed once enough nodes agree.
type Gateway struct {
	app      *fiber.App
	client   *shimmer.Client
	gatherer prometheus.Gatherer
}

type outputsRequest struct {
	OutputIds  []string `json:"outputIds"`
	BestEffort bool     `json:"bestEffort"`
}

func NewGateway(client *shimmer.Client, gatherer prometheus.Gatherer) (gateway *Gateway) {
	gateway = &Gateway{
		client:   client,
		gatherer: gatherer,
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(func(c *fiber.Ctx) error {
		rsp := c.Next()
		log.Info().Msgf("http response: [%d] %s - %s %s", c.Response().StatusCode(), c.IP(), c.Method(), c.Path())
		return rsp
	})

	app.Get("/health", gateway.getHealth)
	app.Get("/info", gateway.getInfo)
	app.Get("/outputs/:id", gateway.getOutput)
	app.Get("/outputs/:id/metadata", gateway.getOutputMetadata)
	app.Post("/outputs", gateway.postOutputs)
	app.Get("/blocks/:id", gateway.getBlock)
	app.Get("/blocks/:id/metadata", gateway.getBlockMetadata)
	app.Get("/milestones/:index", gateway.getMilestone)
	app.Get("/milestones/:index/utxo-changes", gateway.getUtxoChanges)
	app.Get("/transactions/:id/included-block", gateway.getIncludedBlock)

	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	gateway.app = app
	return
}

func (g *Gateway) Start(hostPort string) (err error) {
	log.Info().Msgf("gateway listening on %s", hostPort)
	return errors.WithStack(g.app.Listen(hostPort))
}

func (g *Gateway) Stop() (err error) {
	return errors.WithStack(g.app.Shutdown())
}

// errorResponse maps node manager failures to gateway statuses. A read every
// node answered with 404 is a 404, not a gateway failure.
func (g *Gateway) errorResponse(c *fiber.Ctx, err error) error {
	statusCode := http.StatusInternalServerError

	var exhausted *shimmer.NodesExhaustedError
	var mismatch *shimmer.QuorumMismatchError

	switch {
	case errors.Is(err, errBadRequest):
		statusCode = http.StatusBadRequest
	case errors.As(err, &exhausted) && allNotFound(exhausted.Failures):
		statusCode = http.StatusNotFound
	case errors.As(err, &mismatch) && len(mismatch.Tally) == 0 && allNotFound(mismatch.Failures):
		statusCode = http.StatusNotFound
	case errors.Is(err, shimmer.ErrQuorumMismatch),
		errors.Is(err, shimmer.ErrNodesExhausted),
		errors.Is(err, shimmer.ErrMalformedResponse):
		statusCode = http.StatusBadGateway
	case errors.Is(err, shimmer.ErrQuorumPoolSize),
		errors.Is(err, shimmer.ErrNoAvailableNodes):
		statusCode = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		statusCode = http.StatusGatewayTimeout
	}

	return c.Status(statusCode).JSON(map[string]any{
		"error":   err.Error(),
		"details": fmt.Sprintf("%+v", err),
	})
}

func allNotFound(failures []shimmer.NodeFailure) bool {
	if len(failures) == 0 {
		return false
	}
	for _, f := range failures {
		var transportErr *shimmer.TransportError
		if !errors.As(f.Err, &transportErr) || transportErr.Code != http.StatusNotFound {
			return false
		}
	}
	return true
}

func milestoneIndex(c *fiber.Ctx) (index uint32, err error) {
	parsed, err := strconv.ParseUint(c.Params("index"), 10, 32)
	if err != nil {
		err = errors.Wrapf(errBadRequest, "invalid milestone index '%s'", c.Params("index"))
		return
	}
	return uint32(parsed), nil
}

func wantsBinary(c *fiber.Ctx) bool {
	return c.Get(fiber.HeaderAccept) == shimmer.MimeSerializerV1
}

func (g *Gateway) getHealth(c *fiber.Ctx) error {
	manager := g.client.NodeManager()
	snapshot := g.client.LastSync()
	healthy := len(snapshot.Healthy())

	status := http.StatusOK
	if snapshot.Len() > 0 && healthy == 0 {
		status = http.StatusServiceUnavailable
	}

	return c.Status(status).JSON(map[string]any{
		"healthyNodes": healthy,
		"checkedNodes": snapshot.Len(),
		"enabledNodes": len(manager.EnabledNodes()),
		"quorum":       manager.QuorumEnabled(),
	})
}

func (g *Gateway) getInfo(c *fiber.Ctx) error {
	info, err := g.client.GetInfo(c.UserContext())
	if err != nil {
		return g.errorResponse(c, err)
	}
	return c.JSON(info)
}

func (g *Gateway) getOutput(c *fiber.Ctx) error {
	output, err := g.client.GetOutput(c.UserContext(), c.Params("id"))
	if err != nil {
		return g.errorResponse(c, err)
	}
	return c.JSON(output)
}

func (g *Gateway) getOutputMetadata(c *fiber.Ctx) error {
	metadata, err := g.client.GetOutputMetadata(c.UserContext(), c.Params("id"))
	if err != nil {
		return g.errorResponse(c, err)
	}
	return c.JSON(metadata)
}

func (g *Gateway) postOutputs(c *fiber.Ctx) (err error) {
	req := &outputsRequest{}
	if err = c.BodyParser(req); err != nil {
		return g.errorResponse(c, errors.Wrap(errBadRequest, err.Error()))
	}
	if len(req.OutputIds) == 0 {
		return g.errorResponse(c, errors.Wrap(errBadRequest, "outputIds is empty"))
	}

	var outputs []shimmer.OutputResponse
	if req.BestEffort {
		outputs, err = g.client.TryGetOutputs(c.UserContext(), req.OutputIds)
	} else {
		outputs, err = g.client.GetOutputs(c.UserContext(), req.OutputIds)
	}
	if err != nil {
		return g.errorResponse(c, err)
	}

	return c.JSON(outputs)
}

func (g *Gateway) getBlock(c *fiber.Ctx) error {
	if wantsBinary(c) {
		data, err := g.client.GetBlockRaw(c.UserContext(), c.Params("id"))
		if err != nil {
			return g.errorResponse(c, err)
		}
		c.Set(fiber.HeaderContentType, shimmer.MimeSerializerV1)
		return c.Send(data)
	}

	block, err := g.client.GetBlock(c.UserContext(), c.Params("id"))
	if err != nil {
		return g.errorResponse(c, err)
	}
	return c.JSON(block)
}

func (g *Gateway) getBlockMetadata(c *fiber.Ctx) error {
	metadata, err := g.client.GetBlockMetadata(c.UserContext(), c.Params("id"))
	if err != nil {
		return g.errorResponse(c, err)
	}
	return c.JSON(metadata)
}

func (g *Gateway) getMilestone(c *fiber.Ctx) error {
	index, err := milestoneIndex(c)
	if err != nil {
		return g.errorResponse(c, err)
	}

	if wantsBinary(c) {
		data, err := g.client.GetMilestoneByIndexRaw(c.UserContext(), index)
		if err != nil {
			return g.errorResponse(c, err)
		}
		c.Set(fiber.HeaderContentType, shimmer.MimeSerializerV1)
		return c.Send(data)
	}

	milestone, err := g.client.GetMilestoneByIndex(c.UserContext(), index)
	if err != nil {
		return g.errorResponse(c, err)
	}
	return c.JSON(milestone)
}

func (g *Gateway) getUtxoChanges(c *fiber.Ctx) error {
	index, err := milestoneIndex(c)
	if err != nil {
		return g.errorResponse(c, err)
	}

	changes, err := g.client.GetUtxoChangesByIndex(c.UserContext(), index)
	if err != nil {
		return g.errorResponse(c, err)
	}
	return c.JSON(changes)
}

func (g *Gateway) getIncludedBlock(c *fiber.Ctx) error {
	block, err := g.client.GetIncludedBlock(c.UserContext(), c.Params("id"))
	if err != nil {
		return g.errorResponse(c, err)
	}
	return c.JSON(block)
}

// waitForHealthyNode syncs node health with exponential backoff until at
// least one node reports healthy or maxWait passes.
func waitForHealthyNode(ctx context.Context, client *shimmer.Client, maxWait time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = maxWait

	return backoff.RetryNotify(func() error {
		snapshot := client.SyncNodes(ctx)
		if healthy := len(snapshot.Healthy()); healthy == 0 {
			return errors.Wrapf(shimmer.ErrNoAvailableNodes, "0 of %d nodes healthy", snapshot.Len())
		}
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn().Err(err).Msgf("waiting for a healthy node, retrying in %s", next.Round(time.Millisecond))
	})
}
