package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/bbernhard/caption-playground/src/captioner"
	"github.com/bbernhard/caption-playground/src/commons"
	"github.com/bbernhard/caption-playground/src/datastructures"
)

// Queue hands caption jobs to the worker and returns their results.
type Queue interface {
	Push(job datastructures.CaptionJob) error
	Result(uuid string) (*datastructures.CaptionJobResult, error)
}

type Options struct {
	// Captioner serves the synchronous endpoint. Without one the endpoint
	// answers 503 and only the job endpoints work.
	Captioner  captioner.Captioner
	Queue      Queue
	Limits     captioner.Limits
	UploadsDir string

	// Report receives unexpected failures, commons.ReportError by default.
	Report func(err error, tags map[string]string)
}

type Server struct {
	captioner  captioner.Captioner
	queue      Queue
	limits     captioner.Limits
	uploadsDir string
	report     func(err error, tags map[string]string)
}

func New(opts Options) *Server {
	report := opts.Report
	if report == nil {
		report = commons.ReportError
	}
	return &Server{
		captioner:  opts.Captioner,
		queue:      opts.Queue,
		limits:     opts.Limits,
		uploadsDir: opts.UploadsDir,
		report:     report,
	}
}

func (s *Server) Router() *gin.Engine {
	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", "X-Requested-With", "X-PINGOTHER", "X-File-Name", "Cache-Control"},
		ExposeHeaders:   []string{"Location", "Content-Disposition"},
		MaxAge:          12 * time.Hour,
	}))

	v1 := router.Group("/v1")
	v1.GET("/info", s.info)
	v1.POST("/caption", s.caption)
	v1.POST("/caption/jobs", s.submitJob)
	v1.GET("/caption/jobs/:uuid", s.jobResult)
	v1.GET("/caption/jobs/:uuid/download", s.downloadJobResult)
	return router
}

func (s *Server) info(c *gin.Context) {
	res := gin.H{"limits": s.limits.Wire()}
	if s.captioner != nil {
		res["model_info"] = s.captioner.ModelInfo()
	}
	c.JSON(http.StatusOK, res)
}

// params reads max_tokens and beam_width from the form. Missing values
// fall back to the configured defaults.
func (s *Server) params(c *gin.Context) (captioner.Params, error) {
	params := s.limits.Defaults()

	fields := []struct {
		name string
		dst  *int
	}{
		{"max_tokens", &params.MaxTokens},
		{"beam_width", &params.BeamWidth},
	}
	for _, f := range fields {
		v, ok := c.GetPostForm(f.name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return params, fmt.Errorf("%w: %s must be an integer", captioner.ErrInvalidParams, f.name)
		}
		*f.dst = n
	}
	return params, s.limits.Check(params)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, captioner.ErrInvalidParams), errors.Is(err, captioner.ErrInvalidImage):
		return http.StatusBadRequest
	case errors.Is(err, captioner.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	status := errorStatus(err)
	// a canceled request means the client went away, the caption was dropped with it
	if errors.Is(err, context.Canceled) {
		log.Debug("[Captioning] Request canceled: ", err.Error())
	} else if status >= http.StatusInternalServerError {
		s.report(err, map[string]string{"endpoint": c.FullPath()})
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) caption(c *gin.Context) {
	params, err := s.params(c)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	header, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Picture is missing"})
		return
	}

	if s.captioner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Captioning is only available as job on this instance"})
		return
	}

	file, err := header.Open()
	if err != nil {
		log.Debug("[Captioning] Couldn't open upload: ", err.Error())
		c.JSON(http.StatusBadRequest, gin.H{"error": "Picture is missing"})
		return
	}
	defer file.Close()

	img, err := captioner.DecodeImage(file)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	caption, err := s.captioner.Caption(c.Request.Context(), img, params)
	if err != nil {
		log.Debug("[Captioning] Couldn't caption image: ", err.Error())
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, datastructures.CaptionMeResult{
		Caption:   caption,
		Params:    params.Wire(),
		ModelInfo: s.captioner.ModelInfo(),
	})
}

func (s *Server) submitJob(c *gin.Context) {
	params, err := s.params(c)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	header, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Picture is missing"})
		return
	}

	if s.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Caption jobs are not available on this instance"})
		return
	}

	u, err := uuid.NewV4()
	if err != nil {
		log.Debug("[Captioning] Couldn't create uuid: ", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Couldn't accept request - please try again later"})
		return
	}
	id := u.String()
	filename := filepath.Join(s.uploadsDir, id)

	if err := c.SaveUploadedFile(header, filename); err != nil {
		log.Debug("[Captioning] Couldn't store upload: ", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Couldn't accept request - please try again later"})
		return
	}

	job := datastructures.CaptionJob{
		Uuid:     id,
		Filename: filename,
		Created:  time.Now().Unix(),
		Params:   params.Wire(),
	}
	if err := s.queue.Push(job); err != nil {
		log.Debug("[Captioning] Couldn't accept request: ", err.Error())
		os.Remove(filename)
		s.report(err, map[string]string{"endpoint": c.FullPath()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Couldn't accept request - please try again later"})
		return
	}

	c.Header("Location", id)
	c.JSON(http.StatusAccepted, gin.H{})
}

func (s *Server) lookup(c *gin.Context) (*datastructures.CaptionJobResult, bool) {
	if s.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Caption jobs are not available on this instance"})
		return nil, false
	}
	res, err := s.queue.Result(c.Param("uuid"))
	if err != nil {
		log.Debug("[Captioning] Couldn't get status of request: ", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Couldn't get status of request - please try again later"})
		return nil, false
	}
	return res, true
}

func (s *Server) jobResult(c *gin.Context) {
	res, ok := s.lookup(c)
	if !ok {
		return
	}
	// nothing available yet, either the uuid is wrong or the job isn't finished
	if res == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) downloadJobResult(c *gin.Context) {
	res, ok := s.lookup(c)
	if !ok {
		return
	}
	if res == nil || res.Error != "" || res.Caption == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "No caption available"})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", captioner.ExportFileName))
	c.Data(http.StatusOK, captioner.ExportContentType, []byte(res.Caption))
}
