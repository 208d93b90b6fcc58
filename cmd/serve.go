package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/dowhiz/internal/agentinvoker"
	"github.com/nextlevelbuilder/dowhiz/internal/blobstore"
	"github.com/nextlevelbuilder/dowhiz/internal/config"
	"github.com/nextlevelbuilder/dowhiz/internal/dedupe"
	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
	"github.com/nextlevelbuilder/dowhiz/internal/ingest"
	"github.com/nextlevelbuilder/dowhiz/internal/ingestiongw"
	"github.com/nextlevelbuilder/dowhiz/internal/queue"
	"github.com/nextlevelbuilder/dowhiz/internal/reply"
	"github.com/nextlevelbuilder/dowhiz/internal/replysend"
	"github.com/nextlevelbuilder/dowhiz/internal/retry"
	"github.com/nextlevelbuilder/dowhiz/internal/router"
	"github.com/nextlevelbuilder/dowhiz/internal/scheduler"
	"github.com/nextlevelbuilder/dowhiz/internal/taskexec"
	"github.com/nextlevelbuilder/dowhiz/internal/telemetry"
	"github.com/nextlevelbuilder/dowhiz/internal/threadepoch"
	"github.com/nextlevelbuilder/dowhiz/internal/users"
	"github.com/nextlevelbuilder/dowhiz/internal/workspace"
)

// serveCmd is the DoWhiz ingestion + scheduling entrypoint: it runs the
// inbound webhook gateway (internal/ingestiongw), the durable queue
// consumer that turns claimed envelopes into RunTask rows, and the
// scheduler core that dispatches and retries them, all in one process.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion gateway and task scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	dataRoot := cfg.WorkspacePath()
	if dataRoot == "" {
		dataRoot = "."
	}

	var (
		blobs   blobstore.Store
		dedup   dedupe.Store
		q       queue.Queue
		userStr users.Store
		index   scheduler.IndexStore
	)

	if cfg.IsManagedMode() {
		if err := checkSchemaOrAutoUpgrade(cfg.Database.PostgresDSN); err != nil {
			return fmt.Errorf("schema check: %w", err)
		}

		pool, perr := pgxpool.New(ctx, cfg.Database.PostgresDSN)
		if perr != nil {
			return fmt.Errorf("connect postgres: %w", perr)
		}
		defer pool.Close()

		dedup = dedupe.NewPostgresStore(pool)
		q = queue.NewPostgresQueue(pool)
		userStr = users.NewPostgresStore(pool)
		index = scheduler.NewPostgresIndexStore(pool)

		s3Bucket := os.Getenv("DOWHIZ_BLOBSTORE_S3_BUCKET")
		if s3Bucket != "" {
			s3, serr := blobstore.NewS3Store(ctx, blobstore.S3Options{
				Bucket:          s3Bucket,
				Prefix:          os.Getenv("DOWHIZ_BLOBSTORE_S3_PREFIX"),
				URLBase:         os.Getenv("DOWHIZ_BLOBSTORE_S3_URL_BASE"),
				AccessKeyID:     os.Getenv("DOWHIZ_BLOBSTORE_S3_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("DOWHIZ_BLOBSTORE_S3_SECRET_ACCESS_KEY"),
			})
			if serr != nil {
				return fmt.Errorf("configure s3 blobstore: %w", serr)
			}
			blobs = s3
		}
	} else {
		dedup = dedupe.NewMemoryStore()
		q = queue.NewMemoryQueue()
		userStr = users.NewMemoryStore()
		index = scheduler.NewMemoryIndexStore()
	}

	if blobs == nil {
		local, lerr := blobstore.NewLocalStore(filepath.Join(dataRoot, "blobs"))
		if lerr != nil {
			return fmt.Errorf("configure local blobstore: %w", lerr)
		}
		blobs = local
	}

	rtr := router.NewRouter(cfg.BuildRouterSnapshot())
	epochs := threadepoch.NewStore()

	parsers := map[envelope.Channel]ingest.Parser{
		envelope.ChannelEmail:       &ingest.EmailParser{WebhookToken: cfg.WebhookSecrets.PostmarkToken},
		envelope.ChannelSlack:       &ingest.SlackParser{SigningSecret: cfg.WebhookSecrets.SlackSigningSecret},
		envelope.ChannelDiscord:     &ingest.DiscordParser{},
		envelope.ChannelSms:         &ingest.SmsParser{AuthToken: cfg.WebhookSecrets.TwilioAuthToken, WebhookURL: cfg.WebhookSecrets.TwilioWebhookURL},
		envelope.ChannelTelegram:    &ingest.TelegramParser{},
		envelope.ChannelWhatsApp:    &ingest.WhatsAppParser{VerifyToken: cfg.WebhookSecrets.WhatsAppVerifyToken},
		envelope.ChannelBlueBubbles: &ingest.BlueBubblesParser{},
		envelope.ChannelGoogleDocs:  &ingest.GoogleDocsParser{},
	}

	gw := ingestiongw.NewServer(parsers, rtr, blobs, dedup, q, epochs, log)

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	gwErrCh := make(chan error, 1)
	go func() {
		log.Info("ingestion gateway listening", "addr", addr)
		gwErrCh <- ingestiongw.ListenAndServe(ctx, addr, http.Handler(gw))
	}()

	wsMgr := workspace.NewManager(blobs)

	userFactory := scheduler.NewFileUserStoreFactory(filepath.Join(dataRoot, "scheduler"))

	senders := map[string]reply.Sender{}
	if cfg.WebhookSecrets.SendGridAPIKey != "" {
		senders["email"] = replysend.NewEmailSender(cfg.WebhookSecrets.SendGridAPIKey, cfg.WebhookSecrets.SendGridFromAddr)
	}
	if cfg.WebhookSecrets.SlackBotToken != "" {
		senders["slack"] = replysend.NewSlackSender(cfg.WebhookSecrets.SlackBotToken)
	}
	if cfg.WebhookSecrets.TelegramBotToken != "" {
		tg, terr := replysend.NewTelegramSender(cfg.WebhookSecrets.TelegramBotToken)
		if terr != nil {
			return terr
		}
		senders["telegram"] = tg
	}
	if cfg.WebhookSecrets.DiscordBotToken != "" {
		dc, derr := replysend.NewDiscordSender(cfg.WebhookSecrets.DiscordBotToken)
		if derr != nil {
			return derr
		}
		senders["discord"] = dc
	}
	replyDispatcher := reply.NewDispatcher(senders, nil)

	retryPolicy := retry.DefaultPolicy()
	retryDispatcher := retry.NewDispatcher(nil)

	// RunTaskExecutor.Sched is assigned after the Scheduler is constructed
	// below: scheduler.New needs the executors map up front, but the
	// executor needs to call back into the very Scheduler it's part of
	// to apply SCHEDULER_ACTIONS directives.
	runTaskExec := &taskexec.RunTaskExecutor{
		Invoker:  agentinvoker.New(),
		Policy:   retryPolicy,
		Notifier: retryDispatcher,
		Log:      log,
	}
	executors := map[scheduler.Kind]scheduler.Executor{
		scheduler.KindRunTask:   runTaskExec,
		scheduler.KindSendReply: &taskexec.SendReplyExecutor{Dispatcher: replyDispatcher},
	}

	schedCfg := scheduler.Config{
		MaxGlobalConcurrency: cfg.Scheduler.MaxGlobalConcurrency,
		MaxUserConcurrency:   cfg.Scheduler.MaxUserConcurrency,
	}
	if cfg.Scheduler.SchedulerPollIntervalSecs > 0 {
		schedCfg.PollInterval = time.Duration(cfg.Scheduler.SchedulerPollIntervalSecs) * time.Second
	}

	sched := scheduler.New(schedCfg, index, userFactory, executors, epochs, log)
	runTaskExec.Sched = sched

	schedErrCh := make(chan error, 1)
	go func() { schedErrCh <- sched.Run(ctx) }()

	queueCfg := cfg.Queue.WithDefaults()
	leaseDuration := time.Duration(queueCfg.LeaseDurationSecs) * time.Second
	pollInterval := time.Duration(queueCfg.PollIntervalSecs) * time.Second
	go runConsumer(ctx, cfg, q, blobs, userStr, wsMgr, sched, leaseDuration, pollInterval, queueCfg.MaxAttempts, log)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-gwErrCh:
		if err != nil {
			log.Error("ingestion gateway stopped", "error", err)
		}
	case err := <-schedErrCh:
		if err != nil {
			log.Error("scheduler stopped", "error", err)
		}
	}
	return nil
}

// runConsumer starts one claim loop per configured employee: each loop
// polls its own partition of the durable queue and turns every claimed
// envelope into a RunTask, handing durability over to the per-user
// scheduler store once the task is created.
func runConsumer(
	ctx context.Context,
	cfg *config.Config,
	q queue.Queue,
	blobs blobstore.Store,
	userStr users.Store,
	wsMgr *workspace.Manager,
	sched *scheduler.Scheduler,
	leaseDuration time.Duration,
	pollInterval time.Duration,
	maxAttempts int,
	log *slog.Logger,
) {
	if len(cfg.Employees) == 0 {
		log.Warn("consumer: no employees configured, queue will never drain")
		<-ctx.Done()
		return
	}
	for employeeID, emp := range cfg.Employees {
		go consumeEmployee(ctx, employeeID, emp, q, blobs, userStr, wsMgr, sched, leaseDuration, pollInterval, maxAttempts, log)
	}
	<-ctx.Done()
}

func consumeEmployee(
	ctx context.Context,
	employeeID string,
	emp config.EmployeeConfig,
	q queue.Queue,
	blobs blobstore.Store,
	userStr users.Store,
	wsMgr *workspace.Manager,
	sched *scheduler.Scheduler,
	leaseDuration time.Duration,
	pollInterval time.Duration,
	maxAttempts int,
	log *slog.Logger,
) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			env, ok, err := q.ClaimNext(ctx, employeeID, leaseDuration)
			if err != nil {
				log.Error("consumer: claim failed", "employee_id", employeeID, "error", err)
				break
			}
			if !ok {
				break
			}
			if perr := processEnvelope(ctx, emp, env, blobs, userStr, wsMgr, sched); perr != nil {
				log.Error("consumer: process envelope failed", "employee_id", employeeID, "envelope_id", env.EnvelopeID, "error", perr)
				if merr := q.MarkFailed(ctx, env.EnvelopeID, maxAttempts, perr.Error()); merr != nil {
					log.Error("consumer: mark failed failed", "envelope_id", env.EnvelopeID, "error", merr)
				}
				continue
			}
			if merr := q.MarkDone(ctx, env.EnvelopeID); merr != nil {
				log.Error("consumer: mark done failed", "envelope_id", env.EnvelopeID, "error", merr)
			}
		}
	}
}

// processEnvelope resolves the sender to a stable user_id,
// materializes the RunTask workspace, and creates the
// scheduler.Task that the scheduler core will dispatch.
func processEnvelope(
	ctx context.Context,
	emp config.EmployeeConfig,
	env queue.Envelope,
	blobs blobstore.Store,
	userStr users.Store,
	wsMgr *workspace.Manager,
	sched *scheduler.Scheduler,
) error {
	msg := env.ParsedMessage

	userID, err := userStr.GetOrCreate(ctx, msg.Sender)
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}

	inline, err := hydrateAttachments(ctx, blobs, msg.Attachments)
	if err != nil {
		return fmt.Errorf("hydrate attachments: %w", err)
	}

	wsDir, err := wsMgr.Build(ctx, workspace.Request{
		MessageID:         env.EnvelopeID.String(),
		WorkspaceRoot:     filepath.Join(emp.RuntimeRoot, "workspaces"),
		UserID:            userID.String(),
		EmailHTML:         msg.BodyHTML,
		EmailText:         msg.BodyText,
		InlineAttachments: inline,
		BaseSkillsDir:     filepath.Join(emp.RuntimeRoot, "skills", "base"),
		PerEmployeeSkillsOverrideDir: overrideDirIfExists(filepath.Join(emp.RuntimeRoot, "skills", "override")),
	})
	if err != nil {
		return fmt.Errorf("build workspace: %w", err)
	}

	now := time.Now().UTC()
	task := scheduler.Task{
		UserID:      userID,
		Kind:        scheduler.KindRunTask,
		Enabled:     true,
		Schedule:    scheduler.Schedule{Type: scheduler.ScheduleOneShot, OneShotAt: now},
		NextRun:     now,
		CreatedAt:   now,
		RunTask: &scheduler.RunTaskPayload{
			TenantID:      env.TenantID,
			Channel:       string(msg.Channel),
			WorkspaceDir:  wsDir,
			ModelName:     emp.Model,
			Runner:        emp.Runner,
			AgentDisabled: emp.Disabled,
			ReplyTo:       resolveReplyTo(msg),
			ReplyFrom:     msg.ServiceAddress,
			ThreadKey:     msg.ThreadKey,
			Epoch:         env.Epoch,
			ArchiveRoot:   filepath.Join(emp.RuntimeRoot, "archive"),
		},
	}

	if err := sched.Create(ctx, task); err != nil {
		return fmt.Errorf("create run task: %w", err)
	}
	return nil
}

// resolveReplyTo picks the reply destination carried on the inbound
// message itself: the channel-native chat_id for
// chat channels, or the email To/sender address otherwise.
func resolveReplyTo(msg envelope.InboundMessage) []string {
	if len(msg.ReplyHints.To) > 0 {
		return msg.ReplyHints.To
	}
	if msg.ReplyHints.ChatID != "" {
		return []string{msg.ReplyHints.ChatID}
	}
	if msg.Sender.Value != "" {
		return []string{msg.Sender.Value}
	}
	return nil
}

func hydrateAttachments(ctx context.Context, blobs blobstore.Store, atts []envelope.Attachment) ([]workspace.InlineAttachment, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	out := make([]workspace.InlineAttachment, 0, len(atts))
	for _, a := range atts {
		data := a.Inline
		if data == nil && a.RawBlobRef != "" {
			b, err := blobs.Get(ctx, a.RawBlobRef)
			if err != nil {
				return nil, err
			}
			data = b
		}
		out = append(out, workspace.InlineAttachment{
			FileName:    a.FileName,
			ContentType: a.ContentType,
			Data:        data,
		})
	}
	return out, nil
}

// overrideDirIfExists avoids handing workspace.Manager a path that
// doesn't exist: its copyTree walk errors on a missing root, but a
// per-employee skills override is optional.
func overrideDirIfExists(dir string) string {
	if _, err := os.Stat(dir); err != nil {
		return ""
	}
	return dir
}
