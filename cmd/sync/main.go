package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"earnings-sync-sol/internal/config"
	"earnings-sync-sol/internal/logic/grpc"
	"earnings-sync-sol/internal/logic/logsub"
	"earnings-sync-sol/internal/pkg/logger"
	"earnings-sync-sol/internal/svc"

	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	zerosvc "github.com/zeromicro/go-zero/core/service"
)

var configFile = flag.String("f", "etc/sync.yaml", "the config file")

func main() {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("panic: %+v\nstack: %s", r, debug.Stack())
			logger.Sync()
			os.Exit(1)
		}
	}()

	flag.Parse()

	c := config.MustLoad(*configFile)
	if err := logger.Init(c.LogConf.ToLogOption()); err != nil {
		panic(err)
	}
	defer logger.Sync()

	serviceContext, err := svc.NewServiceContext(context.Background(), c)
	if err != nil {
		panic(err)
	}
	defer serviceContext.Close()

	sg := zerosvc.NewServiceGroup()
	sg.Add(serviceContext.Queue)
	if serviceContext.KafkaSink != nil {
		sg.Add(serviceContext.KafkaSink)
	}
	sg.Add(serviceContext.EarningsService)
	sg.Add(serviceContext.ReconcileService)
	sg.Add(serviceContext.Api)

	// 实时交易来源，均投递到签名队列
	switch c.Ingest.Mode {
	case config.IngestGeyser:
		txChan := make(chan *pb.SubscribeUpdateTransaction, 200)
		stream, err := grpc.NewGrpcStreamManager(c.Ingest.Grpc, serviceContext.ProgramID, txChan)
		if err != nil {
			panic(err)
		}
		sg.Add(stream)
		sg.Add(grpc.NewTxProcessor(txChan, serviceContext.Parser, serviceContext.Queue))
	case config.IngestWebsocket:
		sg.Add(logsub.NewSubscriber(c.Ingest.WsURL, serviceContext.ProgramID, serviceContext.Parser, serviceContext.Queue, logsub.Options{}))
	default:
		logger.Infof("未开启实时订阅，仅处理分发产生的签名与外部提交")
	}

	logger.Infof("Starting earnings sync service, ingest=%s api=%s", c.Ingest.Mode, c.ApiListen)

	// 启动服务
	go sg.Start()

	// 等待退出信号
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Infof("Shutting down services...")
	sg.Stop()
}
